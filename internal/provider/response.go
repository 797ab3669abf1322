package provider

import (
	"encoding/json"
	"strings"
)

// parser extracts text from one response shape. It reports false when the
// body is not of that shape or carries no text.
type parser struct {
	shape Shape
	parse func(body []byte) (string, bool)
}

// parsers are tried in this order for every response, whichever vendor was called
var parsers = []parser{
	{ShapeChat, parseChat},
	{ShapeResponses, parseResponses},
	{ShapeMessageBlock, parseMessageBlock},
	{ShapeCandidate, parseCandidate},
}

// ExtractText returns the first non-empty text any parser yields
func ExtractText(body []byte) (string, Shape, bool) {
	for _, p := range parsers {
		if text, ok := p.parse(body); ok {
			return text, p.shape, true
		}
	}
	return "", "", false
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func parseChat(body []byte) (string, bool) {
	var r chatResponse
	if err := json.Unmarshal(body, &r); err != nil || len(r.Choices) == 0 {
		return "", false
	}
	return nonEmpty(r.Choices[0].Message.Content)
}

type responsesContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesOutput struct {
	Type       string             `json:"type"`
	Status     string             `json:"status"`
	Content    []responsesContent `json:"content"`
	OutputText string             `json:"output_text"`
}

type responsesResponse struct {
	OutputText string            `json:"output_text"`
	Output     []responsesOutput `json:"output"`
}

func parseResponses(body []byte) (string, bool) {
	var r responsesResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", false
	}
	if text, ok := nonEmpty(r.OutputText); ok {
		return text, true
	}

	var b strings.Builder
	for _, item := range r.Output {
		for _, c := range item.Content {
			b.WriteString(c.Text)
		}
		if len(item.Content) == 0 {
			b.WriteString(item.OutputText)
		}
	}
	return nonEmpty(b.String())
}

type messageBlockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func parseMessageBlock(body []byte) (string, bool) {
	var r messageBlockResponse
	if err := json.Unmarshal(body, &r); err != nil || len(r.Content) == 0 {
		return "", false
	}
	return nonEmpty(r.Content[0].Text)
}

type candidateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func parseCandidate(body []byte) (string, bool) {
	var r candidateResponse
	if err := json.Unmarshal(body, &r); err != nil || len(r.Candidates) == 0 {
		return "", false
	}
	parts := r.Candidates[0].Content.Parts
	if len(parts) == 0 {
		return "", false
	}
	return nonEmpty(parts[0].Text)
}

func nonEmpty(s string) (string, bool) {
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}
