package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func TestNewLimiterDefaultConfig(t *testing.T) {
	db := setupTestDB(t)

	limiter, err := NewLimiter(db, nil)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	if limiter.config.FlushInterval != 10*time.Second {
		t.Errorf("expected default FlushInterval=10s, got %v", limiter.config.FlushInterval)
	}
}

func TestAllowGlobalLimit(t *testing.T) {
	db := setupTestDB(t)

	cfg := &Config{
		Global:        &LimitConfig{CallsPerHour: 3, CallsPerDay: 10},
		FlushInterval: time.Hour,
	}

	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()
	req := &Request{Provider: "openai", CampaignID: "c1"}

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, req)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !result.Allowed {
			t.Errorf("call %d should be allowed", i+1)
		}
	}

	result, err := limiter.Allow(ctx, req)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if result.Allowed {
		t.Error("call 4 should be denied")
	}
	if result.DeniedBy != LevelGlobal {
		t.Errorf("expected DeniedBy=global, got %s", result.DeniedBy)
	}
	if result.RetryAfter <= 0 {
		t.Errorf("expected positive RetryAfter, got %v", result.RetryAfter)
	}
}

func TestAllowProviderLimit(t *testing.T) {
	db := setupTestDB(t)

	cfg := &Config{
		Providers: map[string]*LimitConfig{
			"anthropic": {CallsPerHour: 1},
		},
		DefaultProvider: &LimitConfig{CallsPerHour: 2},
		FlushInterval:   time.Hour,
	}

	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()

	tests := []struct {
		provider string
		allowed  []bool
	}{
		{"anthropic", []bool{true, false}},
		{"openai", []bool{true, true, false}},
		{"gemini", []bool{true, true, false}},
	}

	for _, tc := range tests {
		for i, want := range tc.allowed {
			result, _ := limiter.Allow(ctx, &Request{Provider: tc.provider})
			if result.Allowed != want {
				t.Errorf("%s call %d: allowed=%v, want %v", tc.provider, i+1, result.Allowed, want)
			}
			if !want && result.DeniedBy != LevelProvider {
				t.Errorf("%s: expected DeniedBy=provider, got %s", tc.provider, result.DeniedBy)
			}
		}
	}
}

func TestAllowCampaignLimit(t *testing.T) {
	db := setupTestDB(t)

	cfg := &Config{
		DefaultCampaign: &LimitConfig{CallsPerDay: 2},
		FlushInterval:   time.Hour,
	}

	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()
	limiter.Allow(ctx, &Request{CampaignID: "c1"})
	limiter.Allow(ctx, &Request{CampaignID: "c1"})

	result, _ := limiter.Allow(ctx, &Request{CampaignID: "c1"})
	if result.Allowed {
		t.Error("third call for c1 should be denied")
	}
	if result.DeniedBy != LevelCampaign {
		t.Errorf("expected DeniedBy=campaign, got %s", result.DeniedBy)
	}

	result, _ = limiter.Allow(ctx, &Request{CampaignID: "c2"})
	if !result.Allowed {
		t.Error("c2 should be unaffected by c1's counter")
	}
}

func TestWindowReset(t *testing.T) {
	db := setupTestDB(t)

	cfg := &Config{
		Global:        &LimitConfig{CallsPerHour: 1},
		FlushInterval: time.Hour,
	}

	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	ctx := context.Background()
	req := &Request{Provider: "openai"}

	limiter.Allow(ctx, req)
	if result, _ := limiter.Allow(ctx, req); result.Allowed {
		t.Fatal("second call within the hour should be denied")
	}

	now = now.Add(61 * time.Minute)
	if result, _ := limiter.Allow(ctx, req); !result.Allowed {
		t.Error("call after the window should be allowed")
	}
}

func TestCheckDoesNotIncrement(t *testing.T) {
	db := setupTestDB(t)

	cfg := &Config{
		Global:        &LimitConfig{CallsPerHour: 1},
		FlushInterval: time.Hour,
	}

	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()
	req := &Request{Provider: "openai"}

	for i := 0; i < 3; i++ {
		result, _ := limiter.Check(ctx, req)
		if !result.Allowed {
			t.Fatalf("Check %d should be allowed", i+1)
		}
	}

	limiter.Allow(ctx, req)
	result, _ := limiter.Check(ctx, req)
	if result.Allowed {
		t.Error("Check should deny after the limit is used")
	}
}

func TestPersistence(t *testing.T) {
	db := setupTestDB(t)

	cfg := &Config{
		Global:        &LimitConfig{CallsPerHour: 10},
		FlushInterval: time.Hour,
	}

	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		limiter.Allow(ctx, &Request{Provider: "openai"})
	}

	// Stop flushes counters
	if err := limiter.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	limiter2, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create second limiter: %v", err)
	}
	defer limiter2.Stop()

	stats, err := limiter2.GetStats(ctx, LevelGlobal, "global")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.HourlyCount != 5 {
		t.Errorf("expected persisted HourlyCount=5, got %d", stats.HourlyCount)
	}
}

func TestZeroLimits(t *testing.T) {
	db := setupTestDB(t)

	cfg := &Config{
		Global:        &LimitConfig{},
		FlushInterval: time.Hour,
	}

	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()
	for i := 0; i < 500; i++ {
		result, _ := limiter.Allow(ctx, &Request{Provider: "openai"})
		if !result.Allowed {
			t.Errorf("call %d should be allowed with zero limits", i+1)
			break
		}
	}
}

func TestMakeKey(t *testing.T) {
	tests := []struct {
		level    Level
		key      string
		expected string
	}{
		{LevelGlobal, "global", "global:global"},
		{LevelProvider, "openai", "provider:openai"},
		{LevelCampaign, "c-123", "campaign:c-123"},
	}

	for _, tc := range tests {
		if result := makeKey(tc.level, tc.key); result != tc.expected {
			t.Errorf("makeKey(%s, %s) = %s, expected %s", tc.level, tc.key, result, tc.expected)
		}
	}
}
