// Package provider calls generative-text vendors and normalizes their replies.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
)

// MaxTokens caps every token budget sent to a provider
const MaxTokens = 10000

// maxResponseBytes bounds how much of a response body is read
const maxResponseBytes = 8 << 20

// Request is one generation call
type Request struct {
	Provider    string
	Model       string
	Credential  string
	Prompt      string
	TokenLimit  int
	Temperature *float64

	// CampaignID is used for rate limiting and logging only
	CampaignID string
}

// Response carries the raw body and the text extracted from it
type Response struct {
	Raw   string
	Text  string
	Shape Shape
}

// Caller performs one provider call
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// Options configures a Client
type Options struct {
	Timeout time.Duration
	// BaseURLs overrides vendor endpoints by provider id
	BaseURLs   map[string]string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a stateless multi-vendor HTTP client
type Client struct {
	httpClient *http.Client
	baseURLs   map[string]string
	logger     *slog.Logger
}

// NewClient creates a new provider client
func NewClient(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		httpClient: opts.HTTPClient,
		baseURLs:   opts.BaseURLs,
		logger:     opts.Logger.With("component", "provider"),
	}
}

// Call sends req to its provider and returns the normalized response
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	vendor, ok := Lookup(req.Provider)
	if !ok {
		return nil, &CallError{Kind: KindTransport, Provider: req.Provider, Err: fmt.Errorf("unknown provider %q", req.Provider)}
	}
	if strings.TrimSpace(req.Credential) == "" {
		return nil, &CallError{Kind: KindMissingCredential, Provider: vendor.ID}
	}

	endpoint, body, headers := vendor.envelope(c.baseURLs[vendor.ID], req)

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, &CallError{Kind: KindTransport, Provider: vendor.ID, Err: err}
	}
	httpReq.Header = headers

	c.logger.Debug("calling provider",
		"provider", vendor.ID,
		"model", req.Model,
		"token_limit", req.TokenLimit,
		"campaign_id", req.CampaignID,
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &CallError{Kind: KindTransport, Provider: vendor.ID, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &CallError{Kind: KindTransport, Provider: vendor.ID, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &CallError{
			Kind:       KindHTTPStatus,
			Provider:   vendor.ID,
			StatusCode: resp.StatusCode,
			Err:        errorDetail(raw),
		}
	}

	text, shape, ok := ExtractText(raw)
	if !ok {
		return nil, &CallError{Kind: KindNoContent, Provider: vendor.ID}
	}

	return &Response{Raw: string(raw), Text: text, Shape: shape}, nil
}

// errorDetail pulls a short message out of an error body
func errorDetail(raw []byte) error {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && len(payload.Error) > 0 {
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(payload.Error, &msg) == nil && msg.Message != "" {
			return errors.New(msg.Message)
		}
		var s string
		if json.Unmarshal(payload.Error, &s) == nil && s != "" {
			return errors.New(s)
		}
	}

	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil
	}
	if len(text) > 256 {
		text = text[:256]
	}
	return errors.New(text)
}

// TokenBudget converts a word target to a token budget: ceil(words*multiplier),
// at least 1 and at most MaxTokens.
func TokenBudget(words int, multiplier float64) int {
	t := int(math.Ceil(float64(words) * multiplier))
	if t < 1 {
		t = 1
	}
	if t > MaxTokens {
		t = MaxTokens
	}
	return t
}
