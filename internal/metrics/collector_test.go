package metrics

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

type fakeStatsProvider struct {
	stats *CampaignStats
}

func (f *fakeStatsProvider) CampaignStats(ctx context.Context) (*CampaignStats, error) {
	return f.stats, nil
}

func openTestDB(t *testing.T) (*bolt.DB, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "metrics.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCollectorPersistence(t *testing.T) {
	db, path := openTestDB(t)

	m := New()
	c, err := NewCollector(db, m, nil, path, time.Hour, discardLogger())
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	m.RunsTotal.WithLabelValues("published").Add(3)
	m.ProviderCallsTotal.WithLabelValues("anthropic", "ok").Inc()

	if err := c.Stop(); err != nil {
		t.Fatalf("Failed to stop collector: %v", err)
	}

	// A fresh registry picks up the persisted values
	m2 := New()
	c2, err := NewCollector(db, m2, nil, path, time.Hour, discardLogger())
	if err != nil {
		t.Fatalf("Failed to create second collector: %v", err)
	}
	defer c2.Stop()

	if got := counterValue(t, m2.RunsTotal, "published"); got != 3 {
		t.Errorf("restored runs = %v, want 3", got)
	}
	if got := counterValue(t, m2.ProviderCallsTotal, "anthropic", "ok"); got != 1 {
		t.Errorf("restored provider calls = %v, want 1", got)
	}
}

func TestCollectSystemMetrics(t *testing.T) {
	db, path := openTestDB(t)

	m := New()
	stats := &fakeStatsProvider{stats: &CampaignStats{Active: 4, Completed: 2}}
	c, err := NewCollector(db, m, stats, path, time.Hour, discardLogger())
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	defer c.Stop()

	c.collectSystemMetrics(context.Background())

	var active, completed, size dto.Metric
	m.CampaignsActive.Write(&active)
	m.CampaignsCompleted.Write(&completed)
	m.StorageUsedBytes.Write(&size)

	if active.Gauge.GetValue() != 4 {
		t.Errorf("active = %v, want 4", active.Gauge.GetValue())
	}
	if completed.Gauge.GetValue() != 2 {
		t.Errorf("completed = %v, want 2", completed.Gauge.GetValue())
	}
	if size.Gauge.GetValue() <= 0 {
		t.Errorf("storage size = %v, want > 0", size.Gauge.GetValue())
	}
}

func TestCollectorStartStop(t *testing.T) {
	db, path := openTestDB(t)

	c, err := NewCollector(db, New(), nil, path, 10*time.Millisecond, discardLogger())
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Start(ctx)
	time.Sleep(30 * time.Millisecond)

	if err := c.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	// second stop is harmless
	if err := c.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
