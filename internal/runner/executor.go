// Package runner executes a single campaign run: keyword selection,
// generation, document persistence and run-state bookkeeping.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/autopost/internal/campaign"
	"github.com/foxzi/autopost/internal/document"
	"github.com/foxzi/autopost/internal/generation"
	"github.com/foxzi/autopost/internal/metrics"
)

// ErrRunnerMissing is returned by entry points that have no executor wired
var ErrRunnerMissing = errors.New("runner missing")

// Generator produces an article for one keyword
type Generator interface {
	Generate(ctx context.Context, in generation.Input) generation.Outcome
}

// Rescheduler re-evaluates the armed timer of a campaign
type Rescheduler interface {
	ScheduleOrUnschedule(ctx context.Context, id string) error
}

// Notifier is told about every appended log record
type Notifier interface {
	Notify(ctx context.Context, rec *campaign.LogRecord)
}

// Defaults are the document settings used when a campaign leaves them empty
type Defaults struct {
	PostStatus string
	AuthorID   string
	PostType   string
}

// Report summarizes a finished run
type Report struct {
	Kind       generation.Kind
	Keyword    string
	Reason     string
	DocumentID string
	// LogStatus is empty when the run was not logged
	LogStatus campaign.LogStatus
}

// Executor runs campaigns
type Executor struct {
	store       campaign.Store
	documents   document.Store
	generator   Generator
	notifier    Notifier
	rescheduler Rescheduler
	defaults    Defaults
	logger      *slog.Logger

	perm func(n int) []int
	now  func() time.Time
}

// New creates an executor. notifier may be nil.
func New(store campaign.Store, documents document.Store, generator Generator, notifier Notifier, defaults Defaults, logger *slog.Logger) *Executor {
	if defaults.PostStatus == "" {
		defaults.PostStatus = document.StatusPublish
	}
	if defaults.PostType == "" {
		defaults.PostType = "post"
	}

	return &Executor{
		store:     store,
		documents: documents,
		generator: generator,
		notifier:  notifier,
		defaults:  defaults,
		logger:    logger.With("component", "runner"),
		perm:      rand.Perm,
		now:       time.Now,
	}
}

// SetRescheduler sets the scheduler asked to re-arm after each run
func (e *Executor) SetRescheduler(r Rescheduler) {
	e.rescheduler = r
}

// Run executes one run of a campaign. manualOverride bypasses PausedAutorun.
// The returned error is campaign.ErrNotFound for unknown campaigns, or a
// failure that was already recorded as an ERROR log record.
func (e *Executor) Run(ctx context.Context, id string, manualOverride bool) (report *Report, err error) {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.IsCompleted() {
		return &Report{Kind: generation.Skipped, Reason: "completed"}, nil
	}

	start := e.now()
	logger := e.logger.With("campaign_id", c.ID, "manual", manualOverride)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
			logger.Error("run panicked", "panic", r)
			e.appendLog(ctx, c, campaign.LogError, "", "", map[string]string{"reason": "panic", "error": err.Error()})
			report = &Report{Kind: generation.Failed, Reason: "panic", LogStatus: campaign.LogError}
		}
		e.reschedule(ctx, c.ID, logger)
	}()

	if reason := c.SkipReason(manualOverride); reason != "" {
		logger.Debug("run skipped", "reason", reason)
		metrics.IncRuns(string(generation.Skipped))
		return &Report{Kind: generation.Skipped, Reason: reason}, nil
	}

	sel := campaign.SelectKeyword(c, e.perm)
	if sel.Order != nil {
		if _, err := e.store.UpdateMeta(ctx, c.ID, campaign.MetaPatch{KeywordOrder: sel.Order}); err != nil {
			logger.Warn("failed to persist keyword order", "error", err)
		}
	}
	if sel.Exhausted {
		return e.complete(ctx, c, campaign.ReasonKeywordsExhausted, logger)
	}

	logger = logger.With("keyword", sel.Keyword)
	out := e.generator.Generate(ctx, generation.Input{
		Campaign:       c,
		Keyword:        sel.Keyword,
		ManualOverride: manualOverride,
	})

	metrics.IncRuns(string(out.Kind))
	metrics.ObserveRunDuration(e.now().Sub(start).Seconds())

	switch out.Kind {
	case generation.Published:
		return e.published(ctx, c, out, logger)
	case generation.DraftIncomplete:
		return e.draft(ctx, c, out, logger)
	case generation.Failed:
		details := map[string]string{"keyword": out.Keyword, "reason": out.Reason}
		if out.Err != nil {
			details["error"] = out.Err.Error()
		}
		if out.Attempts > 0 {
			details["attempts"] = strconv.Itoa(out.Attempts)
		}
		logger.Error("run failed", "reason", out.Reason, "error", out.Err)
		e.appendLog(ctx, c, campaign.LogError, "", "", details)
		return &Report{Kind: out.Kind, Keyword: out.Keyword, Reason: out.Reason, LogStatus: campaign.LogError}, nil
	default:
		// routine skip re-detected by the pipeline
		logger.Debug("run skipped by pipeline", "reason", out.Reason)
		return &Report{Kind: out.Kind, Keyword: out.Keyword, Reason: out.Reason}, nil
	}
}

func (e *Executor) published(ctx context.Context, c *campaign.Campaign, out generation.Outcome, logger *slog.Logger) (*Report, error) {
	status := e.postStatus(c)
	docID, url, err := e.createDocument(ctx, c, out, status)
	if err != nil {
		logger.Error("failed to persist document", "error", err)
		e.appendLog(ctx, c, campaign.LogError, out.Title, "", map[string]string{
			"keyword": out.Keyword,
			"reason":  "persistence_error",
			"error":   err.Error(),
		})
		return &Report{Kind: generation.Failed, Keyword: out.Keyword, Reason: "persistence_error", LogStatus: campaign.LogError}, err
	}

	now := e.now()
	postsRun := c.PostsRun + 1
	patch := campaign.MetaPatch{PostsRun: &postsRun, LastRunAt: &now}

	reason := ""
	if c.OnePostPerKeyword {
		patch.KeywordsDone = campaign.MarkDone(c.KeywordsDone, out.Keyword)
		if campaign.KeywordsCovered(c.Keywords, patch.KeywordsDone) {
			reason = campaign.ReasonKeywordsExhausted
		}
	}
	if reason == "" && c.MaxPosts > 0 && postsRun >= c.MaxPosts {
		reason = campaign.ReasonMaxPostsReached
	}
	if reason != "" {
		completed := campaign.CompletedPatch(reason)
		patch.Enabled = completed.Enabled
		patch.Status = completed.Status
		patch.CompletedReason = completed.CompletedReason
		patch.ClearNextRunAt = completed.ClearNextRunAt
	}

	details := map[string]string{
		"keyword":     out.Keyword,
		"document_id": docID,
		"word_count":  strconv.Itoa(out.WordCount),
		"attempts":    strconv.Itoa(out.Attempts),
	}

	// the document already exists; a failed meta write is logged, not rolled back
	if _, err := e.store.UpdateMeta(ctx, c.ID, patch); err != nil {
		logger.Error("failed to update campaign after publish", "document_id", docID, "error", err)
		details["meta_error"] = err.Error()
	}
	if reason != "" {
		details["completed"] = reason
		logger.Info("campaign completed", "reason", reason)
	}

	metrics.IncDocumentsCreated(status)
	logger.Info("article published", "document_id", docID, "words", out.WordCount)
	e.appendLog(ctx, c, campaign.LogSuccess, out.Title, url, details)

	return &Report{Kind: out.Kind, Keyword: out.Keyword, DocumentID: docID, LogStatus: campaign.LogSuccess}, nil
}

func (e *Executor) draft(ctx context.Context, c *campaign.Campaign, out generation.Outcome, logger *slog.Logger) (*Report, error) {
	docID, url, err := e.createDocument(ctx, c, out, document.StatusDraft)
	if err != nil {
		logger.Error("failed to persist draft", "error", err)
		e.appendLog(ctx, c, campaign.LogError, out.Title, "", map[string]string{
			"keyword": out.Keyword,
			"reason":  "persistence_error",
			"error":   err.Error(),
		})
		return &Report{Kind: generation.Failed, Keyword: out.Keyword, Reason: "persistence_error", LogStatus: campaign.LogError}, err
	}

	metrics.IncDocumentsCreated(document.StatusDraft)
	logger.Warn("article saved as draft", "document_id", docID, "attempts", out.Attempts)
	e.appendLog(ctx, c, campaign.LogWarning, out.Title, url, map[string]string{
		"keyword":     out.Keyword,
		"reason":      out.Reason,
		"document_id": docID,
		"attempts":    strconv.Itoa(out.Attempts),
		"word_count":  strconv.Itoa(out.WordCount),
	})

	return &Report{Kind: out.Kind, Keyword: out.Keyword, Reason: out.Reason, DocumentID: docID, LogStatus: campaign.LogWarning}, nil
}

// complete persists the completed transition for an exhausted campaign
func (e *Executor) complete(ctx context.Context, c *campaign.Campaign, reason string, logger *slog.Logger) (*Report, error) {
	if _, err := e.store.UpdateMeta(ctx, c.ID, campaign.CompletedPatch(reason)); err != nil {
		logger.Error("failed to mark campaign completed", "error", err)
		return nil, fmt.Errorf("failed to mark campaign completed: %w", err)
	}

	logger.Info("campaign completed", "reason", reason)
	e.appendLog(ctx, c, campaign.LogError, "", "", map[string]string{"reason": reason})
	metrics.IncRuns(string(generation.Skipped))

	return &Report{Kind: generation.Skipped, Reason: reason, LogStatus: campaign.LogError}, nil
}

func (e *Executor) createDocument(ctx context.Context, c *campaign.Campaign, out generation.Outcome, status string) (id, url string, err error) {
	author := c.AuthorID
	if author == "" {
		author = e.defaults.AuthorID
	}
	docType := c.PostType
	if docType == "" {
		docType = e.defaults.PostType
	}

	id, err = e.documents.CreateDocument(ctx, out.Title, out.HTML, status, author, docType)
	if err != nil {
		return "", "", err
	}

	if len(c.Categories) > 0 {
		if err := e.documents.SetCategories(ctx, id, c.Categories); err != nil {
			e.logger.Warn("failed to assign categories", "campaign_id", c.ID, "document_id", id, "error", err)
		}
	}

	return id, e.documents.Permalink(id), nil
}

func (e *Executor) postStatus(c *campaign.Campaign) string {
	if c.PostStatus != "" {
		return c.PostStatus
	}
	return e.defaults.PostStatus
}

func (e *Executor) appendLog(ctx context.Context, c *campaign.Campaign, status campaign.LogStatus, title, url string, details map[string]string) {
	rec := &campaign.LogRecord{
		ID:           uuid.New().String(),
		CampaignID:   c.ID,
		CampaignName: c.Name,
		Status:       status,
		PostTitle:    title,
		PostURL:      url,
		Timestamp:    e.now(),
		Details:      details,
	}

	if err := e.store.AppendLog(ctx, rec); err != nil {
		e.logger.Error("failed to append log record", "campaign_id", c.ID, "error", err)
	}
	if e.notifier != nil {
		e.notifier.Notify(ctx, rec)
	}
}

func (e *Executor) reschedule(ctx context.Context, id string, logger *slog.Logger) {
	if e.rescheduler == nil {
		return
	}
	if err := e.rescheduler.ScheduleOrUnschedule(ctx, id); err != nil {
		logger.Warn("failed to reschedule campaign", "error", err)
	}
}
