package campaign

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a campaign does not exist
var ErrNotFound = errors.New("campaign not found")

// Status represents the lifecycle status of a campaign
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Completion reasons
const (
	ReasonKeywordsExhausted = "keywords_exhausted"
	ReasonMaxPostsReached   = "max_posts_reached"
)

// Unit is the unit of a run interval
type Unit string

const (
	UnitMinutes Unit = "minutes"
	UnitHours   Unit = "hours"
	UnitDays    Unit = "days"
)

// Seconds returns the number of seconds in one unit.
// Unknown units fall back to minutes.
func (u Unit) Seconds() int64 {
	switch u {
	case UnitHours:
		return 3600
	case UnitDays:
		return 86400
	default:
		return 60
	}
}

// Campaign is a recurring content generation job
type Campaign struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	PausedAutorun bool   `json:"paused_autorun" yaml:"paused_autorun"`

	// Content
	Keywords            []string `json:"keywords" yaml:"keywords"`
	MinWords            int      `json:"min_words" yaml:"min_words"`
	MaxWords            int      `json:"max_words" yaml:"max_words"`
	MaxPosts            int      `json:"max_posts" yaml:"max_posts"`
	RotateKeywords      bool     `json:"rotate_keywords" yaml:"rotate_keywords"`
	OnePostPerKeyword   bool     `json:"one_post_per_keyword" yaml:"one_post_per_keyword"`
	KeywordAsTitle      bool     `json:"keyword_as_title" yaml:"keyword_as_title"`
	CustomTitlePrompt   string   `json:"custom_title_prompt,omitempty" yaml:"custom_title_prompt"`
	CustomContentPrompt string   `json:"custom_content_prompt,omitempty" yaml:"custom_content_prompt"`

	// AI overrides (empty provider/model = global settings)
	Provider            string  `json:"provider,omitempty" yaml:"provider"`
	Model               string  `json:"model,omitempty" yaml:"model"`
	UseCustomParams     bool    `json:"use_custom_params" yaml:"use_custom_params"`
	MaxTokensOverride   int     `json:"max_tokens_override,omitempty" yaml:"max_tokens_override"`
	TemperatureOverride float64 `json:"temperature_override,omitempty" yaml:"temperature_override"`

	// Document settings
	PostStatus string   `json:"post_status,omitempty" yaml:"post_status"`
	AuthorID   string   `json:"author_id,omitempty" yaml:"author_id"`
	PostType   string   `json:"post_type,omitempty" yaml:"post_type"`
	Categories []string `json:"categories,omitempty" yaml:"categories"`

	// Schedule
	RunInterval       int    `json:"run_interval" yaml:"run_interval"`
	RunUnit           Unit   `json:"run_unit" yaml:"run_unit"`
	CustomTimeEnabled bool   `json:"custom_time_enabled" yaml:"custom_time_enabled"`
	CustomTimeValue   string `json:"custom_time_value,omitempty" yaml:"custom_time_value"` // HH:MM

	// Run state
	PostsRun        int        `json:"posts_run" yaml:"-"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty" yaml:"-"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty" yaml:"-"`
	KeywordOrder    []string   `json:"keyword_order,omitempty" yaml:"-"`
	KeywordsDone    []string   `json:"keywords_done,omitempty" yaml:"-"`
	Status          Status     `json:"status" yaml:"-"`
	CompletedReason string     `json:"completed_reason,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// IsCompleted reports whether the campaign has reached a terminal state
func (c *Campaign) IsCompleted() bool {
	return c.Status == StatusCompleted
}

// Schedulable reports whether the campaign should have an armed timer
func (c *Campaign) Schedulable() bool {
	return c.Enabled && !c.PausedAutorun && c.RunInterval > 0
}

// Clone returns a deep copy of the campaign
func (c *Campaign) Clone() *Campaign {
	cp := *c
	cp.Keywords = append([]string(nil), c.Keywords...)
	cp.KeywordOrder = append([]string(nil), c.KeywordOrder...)
	cp.KeywordsDone = append([]string(nil), c.KeywordsDone...)
	cp.Categories = append([]string(nil), c.Categories...)
	if c.LastRunAt != nil {
		t := *c.LastRunAt
		cp.LastRunAt = &t
	}
	if c.NextRunAt != nil {
		t := *c.NextRunAt
		cp.NextRunAt = &t
	}
	return &cp
}

// SkipReason returns why a run must not start, or "" if it may proceed.
// manualOverride bypasses PausedAutorun but never Enabled.
func (c *Campaign) SkipReason(manualOverride bool) string {
	switch {
	case !c.Enabled:
		return "disabled"
	case c.PausedAutorun && !manualOverride:
		return "paused"
	case len(c.Keywords) == 0:
		return "no_keywords"
	case c.MaxPosts > 0 && c.PostsRun >= c.MaxPosts:
		return "max_posts_reached"
	}
	return ""
}

// NormalizeKeyword lowercases and trims a keyword for set membership
func NormalizeKeyword(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// MetaPatch is a partial update of campaign run state.
// Nil fields are left untouched.
type MetaPatch struct {
	Enabled         *bool
	PostsRun        *int
	LastRunAt       *time.Time
	NextRunAt       *time.Time
	ClearNextRunAt  bool
	KeywordOrder    []string
	KeywordsDone    []string
	Status          *Status
	CompletedReason *string
}

// Apply applies the patch to c
func (p MetaPatch) Apply(c *Campaign) {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.PostsRun != nil {
		c.PostsRun = *p.PostsRun
	}
	if p.LastRunAt != nil {
		t := *p.LastRunAt
		c.LastRunAt = &t
	}
	if p.ClearNextRunAt {
		c.NextRunAt = nil
	} else if p.NextRunAt != nil {
		t := *p.NextRunAt
		c.NextRunAt = &t
	}
	if p.KeywordOrder != nil {
		c.KeywordOrder = append([]string(nil), p.KeywordOrder...)
	}
	if p.KeywordsDone != nil {
		c.KeywordsDone = append([]string(nil), p.KeywordsDone...)
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.CompletedReason != nil {
		c.CompletedReason = *p.CompletedReason
	}
}

// CompletedPatch returns the patch for the completed transition
func CompletedPatch(reason string) MetaPatch {
	enabled := false
	status := StatusCompleted
	return MetaPatch{
		Enabled:         &enabled,
		Status:          &status,
		CompletedReason: &reason,
		ClearNextRunAt:  true,
	}
}

// Validate checks the editable fields of a campaign
func (c *Campaign) Validate() error {
	if c.MinWords < 0 || c.MaxWords < 0 {
		return errors.New("word bounds must not be negative")
	}
	if c.MinWords > 0 && c.MaxWords > 0 && c.MinWords > c.MaxWords {
		return fmt.Errorf("min_words (%d) exceeds max_words (%d)", c.MinWords, c.MaxWords)
	}
	if c.MaxPosts < 0 {
		return errors.New("max_posts must not be negative")
	}
	if c.RunInterval < 0 {
		return errors.New("run_interval must not be negative")
	}
	switch c.RunUnit {
	case "", UnitMinutes, UnitHours, UnitDays:
	default:
		return fmt.Errorf("invalid run_unit: %s", c.RunUnit)
	}
	if c.CustomTimeEnabled {
		if _, err := time.Parse("15:04", c.CustomTimeValue); err != nil {
			return fmt.Errorf("invalid custom_time_value %q, expected HH:MM", c.CustomTimeValue)
		}
	}
	if c.MaxTokensOverride < 0 {
		return errors.New("max_tokens_override must not be negative")
	}
	if c.TemperatureOverride < 0 || c.TemperatureOverride > 2 {
		return errors.New("temperature_override must be between 0 and 2")
	}
	return nil
}
