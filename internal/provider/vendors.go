package provider

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Shape names a request envelope family
type Shape string

const (
	ShapeChat         Shape = "chat"
	ShapeResponses    Shape = "responses"
	ShapeMessageBlock Shape = "message_block"
	ShapeCandidate    Shape = "candidate"
)

// Vendor describes how to reach one provider
type Vendor struct {
	ID           string
	Shape        Shape
	BaseURL      string
	DefaultModel string
}

var vendors = map[string]Vendor{
	"openai": {
		ID:           "openai",
		Shape:        ShapeChat,
		BaseURL:      "https://api.openai.com/v1",
		DefaultModel: "gpt-4o-mini",
	},
	"openai-responses": {
		ID:           "openai-responses",
		Shape:        ShapeResponses,
		BaseURL:      "https://api.openai.com/v1",
		DefaultModel: "gpt-4.1-mini",
	},
	"anthropic": {
		ID:           "anthropic",
		Shape:        ShapeMessageBlock,
		BaseURL:      "https://api.anthropic.com/v1",
		DefaultModel: "claude-3-5-haiku-latest",
	},
	"gemini": {
		ID:           "gemini",
		Shape:        ShapeCandidate,
		BaseURL:      "https://generativelanguage.googleapis.com/v1beta",
		DefaultModel: "gemini-2.0-flash",
	},
	"openrouter": {
		ID:           "openrouter",
		Shape:        ShapeChat,
		BaseURL:      "https://openrouter.ai/api/v1",
		DefaultModel: "openai/gpt-4o-mini",
	},
	"deepseek": {
		ID:           "deepseek",
		Shape:        ShapeChat,
		BaseURL:      "https://api.deepseek.com/v1",
		DefaultModel: "deepseek-chat",
	},
	"groq": {
		ID:           "groq",
		Shape:        ShapeChat,
		BaseURL:      "https://api.groq.com/openai/v1",
		DefaultModel: "llama-3.3-70b-versatile",
	},
}

// Lookup returns the vendor registered under id
func Lookup(id string) (Vendor, bool) {
	v, ok := vendors[strings.ToLower(strings.TrimSpace(id))]
	return v, ok
}

// IDs returns the registered provider ids in sorted order
func IDs() []string {
	ids := make([]string, 0, len(vendors))
	for id := range vendors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type responsesRequest struct {
	Model           string   `json:"model"`
	Input           string   `json:"input"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type messageBlockRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type candidatePart struct {
	Text string `json:"text"`
}

type candidateContent struct {
	Role  string          `json:"role,omitempty"`
	Parts []candidatePart `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type candidateRequest struct {
	Contents         []candidateContent `json:"contents"`
	GenerationConfig generationConfig   `json:"generationConfig"`
}

// envelope builds the endpoint, body and auth headers for one call
func (v Vendor) envelope(baseURL string, req Request) (string, any, http.Header) {
	if baseURL == "" {
		baseURL = v.BaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := req.Model
	if model == "" {
		model = v.DefaultModel
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")

	switch v.Shape {
	case ShapeResponses:
		headers.Set("Authorization", "Bearer "+req.Credential)
		return baseURL + "/responses", responsesRequest{
			Model:           model,
			Input:           req.Prompt,
			MaxOutputTokens: req.TokenLimit,
			Temperature:     req.Temperature,
		}, headers

	case ShapeMessageBlock:
		headers.Set("x-api-key", req.Credential)
		headers.Set("anthropic-version", "2023-06-01")
		return baseURL + "/messages", messageBlockRequest{
			Model:       model,
			MaxTokens:   req.TokenLimit,
			Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
			Temperature: req.Temperature,
		}, headers

	case ShapeCandidate:
		headers.Set("x-goog-api-key", req.Credential)
		endpoint := fmt.Sprintf("%s/models/%s:generateContent", baseURL, url.PathEscape(model))
		return endpoint, candidateRequest{
			Contents: []candidateContent{{Role: "user", Parts: []candidatePart{{Text: req.Prompt}}}},
			GenerationConfig: generationConfig{
				MaxOutputTokens: req.TokenLimit,
				Temperature:     req.Temperature,
			},
		}, headers

	default:
		headers.Set("Authorization", "Bearer "+req.Credential)
		return baseURL + "/chat/completions", chatRequest{
			Model:       model,
			Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
			MaxTokens:   req.TokenLimit,
			Temperature: req.Temperature,
		}, headers
	}
}
