// Package generation turns a campaign and keyword into a finished article.
//
// A run drafts the article with one provider call, then optionally extends it:
// first while the provider reports its own output as incomplete, then while
// the text is shorter than the campaign minimum, and once more if the text
// still ends with the CONTINUE marker. The result is truncated to the word
// ceiling, sanitized and split into title and body.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/foxzi/autopost/internal/assembler"
	"github.com/foxzi/autopost/internal/campaign"
	"github.com/foxzi/autopost/internal/metrics"
	"github.com/foxzi/autopost/internal/provider"
)

// Kind is the terminal state of a generation
type Kind string

const (
	Published       Kind = "published"
	DraftIncomplete Kind = "draft_incomplete"
	Skipped         Kind = "skipped"
	Failed          Kind = "failed"
)

// Failure and skip reasons
const (
	ReasonAPIError           = "api_error"
	ReasonEmptyAfterSanitize = "empty_after_sanitize"
	ReasonProviderIncomplete = "provider_incomplete"
)

const (
	// draftDefaultWords is the draft target when no maximum is set
	draftDefaultWords = 1200
	// safetyCeiling bounds articles without a maximum
	safetyCeiling = 5000
	// minContinuationWords is the smallest continuation request
	minContinuationWords = 150
	// trailingContinuationWords is the budget of the post-loop continuation
	trailingContinuationWords = 1000

	statusAttempts   = 6
	minWordsAttempts = 5

	draftMultiplier    = 1.5
	statusMultiplier   = 1.4
	minWordsMultiplier = 1.6
)

// Outcome is the result of one generation
type Outcome struct {
	Kind      Kind
	Keyword   string
	Title     string
	HTML      string
	WordCount int
	// Attempts counts continuation calls made
	Attempts int
	Reason   string
	Err      error
}

// CredentialStore resolves providers, models and API keys
type CredentialStore interface {
	DefaultProvider() string
	DefaultModel(provider string) string
	APIKey(provider string) (string, bool)
}

// Sanitizer applies the HTML allow-list
type Sanitizer interface {
	Sanitize(html string) string
}

// Input is one generation request
type Input struct {
	Campaign       *campaign.Campaign
	Keyword        string
	ManualOverride bool
}

// Pipeline runs generations. It holds no per-run state.
type Pipeline struct {
	caller      provider.Caller
	creds       CredentialStore
	sanitizer   Sanitizer
	temperature float64
	logger      *slog.Logger
}

// NewPipeline creates a pipeline. temperature is the default used when a
// campaign does not override it; zero leaves it to the provider.
func NewPipeline(caller provider.Caller, creds CredentialStore, sanitizer Sanitizer, temperature float64, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		caller:      caller,
		creds:       creds,
		sanitizer:   sanitizer,
		temperature: temperature,
		logger:      logger.With("component", "generation"),
	}
}

// runConfig is the resolved provider configuration for one generation
type runConfig struct {
	campaignID  string
	keyword     string
	provider    string
	model       string
	credential  string
	temperature *float64
	// tokenOverride replaces the draft budget and caps continuations when > 0
	tokenOverride int
}

func (p *Pipeline) resolve(c *campaign.Campaign, keyword string) runConfig {
	rc := runConfig{
		campaignID: c.ID,
		keyword:    keyword,
		provider:   c.Provider,
		model:      c.Model,
	}
	if rc.provider == "" {
		rc.provider = p.creds.DefaultProvider()
	}
	if rc.model == "" {
		rc.model = p.creds.DefaultModel(rc.provider)
	}
	rc.credential, _ = p.creds.APIKey(rc.provider)

	temperature := p.temperature
	if c.UseCustomParams && c.TemperatureOverride > 0 {
		temperature = c.TemperatureOverride
	}
	if temperature > 0 {
		rc.temperature = &temperature
	}

	if c.UseCustomParams && c.MaxTokensOverride > 0 {
		rc.tokenOverride = min(c.MaxTokensOverride, provider.MaxTokens)
	}
	return rc
}

// continuationBudget derives a token budget, capped by the campaign override
func (rc runConfig) continuationBudget(words int, multiplier float64) int {
	budget := provider.TokenBudget(words, multiplier)
	if rc.tokenOverride > 0 && rc.tokenOverride < budget {
		return rc.tokenOverride
	}
	return budget
}

func (p *Pipeline) call(ctx context.Context, rc runConfig, prompt string, tokens int) (*provider.Response, error) {
	return p.caller.Call(ctx, provider.Request{
		Provider:    rc.provider,
		Model:       rc.model,
		Credential:  rc.credential,
		Prompt:      prompt,
		TokenLimit:  tokens,
		Temperature: rc.temperature,
		CampaignID:  rc.campaignID,
	})
}

// Generate runs the full pipeline for one keyword
func (p *Pipeline) Generate(ctx context.Context, in Input) Outcome {
	c := in.Campaign
	if reason := c.SkipReason(in.ManualOverride); reason != "" {
		return Outcome{Kind: Skipped, Keyword: in.Keyword, Reason: reason}
	}

	rc := p.resolve(c, in.Keyword)
	logger := p.logger.With("campaign_id", c.ID, "keyword", in.Keyword, "provider", rc.provider)

	// Drafting
	desired := c.MaxWords
	if desired <= 0 {
		desired = max(c.MinWords, draftDefaultWords)
	}
	tokens := provider.TokenBudget(desired, draftMultiplier)
	if rc.tokenOverride > 0 {
		tokens = rc.tokenOverride
	}

	resp, err := p.call(ctx, rc, draftPrompt(c, in.Keyword), tokens)
	if err != nil {
		logger.Warn("draft call failed", "error", err)
		return Outcome{Kind: Failed, Keyword: in.Keyword, Reason: ReasonAPIError, Err: err}
	}
	html := usableFragment(resp)
	if html == "" {
		logger.Warn("draft call returned no usable content")
		return Outcome{
			Kind:    Failed,
			Keyword: in.Keyword,
			Reason:  ReasonAPIError,
			Err:     &provider.CallError{Kind: provider.KindNoContent, Provider: rc.provider},
		}
	}

	d := &draft{html: html, keyword: in.Keyword}

	status, _ := assembler.ResponseStatus(resp.Raw)
	incomplete := p.continueForStatus(ctx, rc, c, d, status, logger)

	if !incomplete {
		p.continueForMinWords(ctx, rc, c, d, logger)
		p.continueTrailingMarker(ctx, rc, d, logger)
	}

	// Truncating
	switch {
	case c.MaxWords > 0:
		d.html = assembler.TruncateToWords(d.html, c.MaxWords)
	case assembler.WordCount(d.html) > safetyCeiling:
		d.html = assembler.TruncateToWords(d.html, safetyCeiling)
	}

	out, ok := p.finalize(c, d)
	if !ok {
		logger.Warn("article empty after sanitizing")
		return out
	}

	if incomplete {
		out.Kind = DraftIncomplete
		out.Reason = ReasonProviderIncomplete
		logger.Warn("provider still incomplete after continuations", "attempts", d.attempts, "words", out.WordCount)
	} else {
		logger.Info("article generated", "attempts", d.attempts, "words", out.WordCount)
	}
	return out
}

// draft is the article being assembled
type draft struct {
	html     string
	keyword  string
	attempts int
}

func (d *draft) append(fragment string) {
	d.html = assembler.AppendFragment(assembler.StripTrailingContinueMarker(d.html), fragment)
}

// continueForStatus extends the draft while the provider reports it as
// incomplete. It returns true if the draft is still incomplete after every
// attempt was used up or the run was cancelled.
func (p *Pipeline) continueForStatus(ctx context.Context, rc runConfig, c *campaign.Campaign, d *draft, status string, logger *slog.Logger) bool {
	if status != "incomplete" {
		return false
	}

	target := c.MaxWords
	if target <= 0 {
		target = safetyCeiling
	}

	attempts := 0
	for attempts < statusAttempts && status == "incomplete" {
		remaining := target - assembler.WordCount(d.html)
		if remaining <= 0 {
			// the word target is met, further text would be truncated anyway
			return false
		}
		if ctx.Err() != nil {
			logger.Warn("status continuation cancelled", "attempt", attempts, "error", ctx.Err())
			return true
		}

		attempts++
		d.attempts++
		metrics.IncContinuationAttempts("status")

		words := max(remaining, minContinuationWords)
		prompt := continuationPrompt(d.keyword, words, assembler.TailText(d.html, contextChars))
		resp, err := p.call(ctx, rc, prompt, rc.continuationBudget(words, statusMultiplier))
		if err != nil {
			logger.Debug("status continuation failed", "attempt", attempts, "error", err)
			continue
		}

		if s, ok := assembler.ResponseStatus(resp.Raw); ok {
			status = s
		} else {
			status = ""
		}

		if fragment := usableFragment(resp); fragment != "" {
			d.append(fragment)
			logger.Debug("status continuation appended", "attempt", attempts, "status", status)
		} else {
			logger.Debug("status continuation unusable", "attempt", attempts)
		}
	}

	return status == "incomplete" && attempts >= statusAttempts
}

// continueForMinWords extends the draft until it reaches the campaign minimum
func (p *Pipeline) continueForMinWords(ctx context.Context, rc runConfig, c *campaign.Campaign, d *draft, logger *slog.Logger) {
	if c.MinWords <= 0 {
		return
	}

	for attempt := 1; attempt <= minWordsAttempts; attempt++ {
		count := assembler.WordCount(d.html)
		if count >= c.MinWords || ctx.Err() != nil {
			return
		}

		d.attempts++
		metrics.IncContinuationAttempts("min_words")

		words := max(c.MinWords-count, minContinuationWords)
		prompt := continuationPrompt(d.keyword, words, assembler.TailText(d.html, contextChars))
		resp, err := p.call(ctx, rc, prompt, rc.continuationBudget(words, minWordsMultiplier))
		if err != nil {
			logger.Debug("min words continuation failed", "attempt", attempt, "error", err)
			continue
		}

		if fragment := usableFragment(resp); fragment != "" {
			d.append(fragment)
			logger.Debug("min words continuation appended", "attempt", attempt, "words", assembler.WordCount(d.html))
		}
	}
}

// continueTrailingMarker makes one more call if the text still asks for it
func (p *Pipeline) continueTrailingMarker(ctx context.Context, rc runConfig, d *draft, logger *slog.Logger) {
	if !assembler.HasTrailingContinueMarker(d.html) {
		return
	}
	d.html = assembler.StripTrailingContinueMarker(d.html)
	if ctx.Err() != nil {
		return
	}

	d.attempts++
	metrics.IncContinuationAttempts("trailing_marker")

	prompt := continuationPrompt(d.keyword, trailingContinuationWords, assembler.TailText(d.html, contextChars))
	resp, err := p.call(ctx, rc, prompt, rc.continuationBudget(trailingContinuationWords, draftMultiplier))
	if err != nil {
		logger.Debug("trailing continuation failed", "error", err)
		return
	}
	if fragment := usableFragment(resp); fragment != "" {
		d.append(fragment)
	}
}

// finalize sanitizes the draft and splits off the title
func (p *Pipeline) finalize(c *campaign.Campaign, d *draft) (Outcome, bool) {
	html := assembler.StripTrailingContinueMarker(assembler.StripDocumentTags(d.html))

	clean := strings.TrimSpace(p.sanitizer.Sanitize(html))
	if assembler.WordCount(clean) == 0 {
		clean = assembler.WrapParagraph(assembler.PlainText(html))
	}
	if assembler.WordCount(clean) == 0 {
		return Outcome{
			Kind:     Failed,
			Keyword:  d.keyword,
			Reason:   ReasonEmptyAfterSanitize,
			Attempts: d.attempts,
			Err:      fmt.Errorf("no text left after sanitizing"),
		}, false
	}

	title, body := assembler.ExtractLeadingH1(clean, d.keyword)
	if c.KeywordAsTitle {
		title = d.keyword
	}

	return Outcome{
		Kind:      Published,
		Keyword:   d.keyword,
		Title:     title,
		HTML:      body,
		WordCount: assembler.WordCount(body),
		Attempts:  d.attempts,
	}, true
}

// usableFragment normalizes a response and rejects empty or id-only text
func usableFragment(resp *provider.Response) string {
	html := assembler.NormalizeRawHTML(resp.Text)
	if assembler.WordCount(html) == 0 || assembler.LooksLikeOpaqueID(html) {
		return ""
	}
	return html
}
