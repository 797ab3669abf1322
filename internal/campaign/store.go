package campaign

import (
	"context"
	"time"
)

// LogStatus is the status of a run log record
type LogStatus string

const (
	LogSuccess LogStatus = "SUCCESS"
	LogError   LogStatus = "ERROR"
	LogWarning LogStatus = "WARNING"
)

// DefaultLogCapacity is the number of log records kept
const DefaultLogCapacity = 500

// LogRecord is an immutable record of one run
type LogRecord struct {
	ID           string            `json:"id"`
	CampaignID   string            `json:"campaign_id"`
	CampaignName string            `json:"campaign_name"`
	Status       LogStatus         `json:"status"`
	PostTitle    string            `json:"post_title,omitempty"`
	PostURL      string            `json:"post_url,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Details      map[string]string `json:"details,omitempty"`
}

// LogFilter filters log listings
type LogFilter struct {
	CampaignID string
	Status     LogStatus
	Limit      int
}

// Store persists campaigns, their run logs and armed schedule hooks.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns ErrNotFound if the campaign does not exist
	Get(ctx context.Context, id string) (*Campaign, error)
	List(ctx context.Context) ([]*Campaign, error)
	Save(ctx context.Context, c *Campaign) error
	Delete(ctx context.Context, id string) error

	// UpdateMeta applies patch to the stored campaign atomically
	UpdateMeta(ctx context.Context, id string, patch MetaPatch) (*Campaign, error)
	// Edit replaces the campaign with fn(current) atomically, so run state
	// written by a concurrent run is never lost
	Edit(ctx context.Context, id string, fn func(current *Campaign) *Campaign) (*Campaign, error)

	// AppendLog adds a record, dropping the oldest beyond capacity
	AppendLog(ctx context.Context, rec *LogRecord) error
	// ListLogs returns records newest first
	ListLogs(ctx context.Context, filter LogFilter) ([]*LogRecord, error)

	ClearScheduledHook(ctx context.Context, id string) error
	// ArmSingleEvent records the hook time; it is a no-op if one is already recorded
	ArmSingleEvent(ctx context.Context, id string, at time.Time) error
	NextScheduledTime(ctx context.Context, id string) (time.Time, bool, error)

	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}
