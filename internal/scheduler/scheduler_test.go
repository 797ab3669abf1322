package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/foxzi/autopost/internal/campaign"
	"github.com/foxzi/autopost/internal/generation"
	"github.com/foxzi/autopost/internal/runner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type runCall struct {
	id     string
	manual bool
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []runCall
	ran   chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{ran: make(chan string, 16)}
}

func (r *fakeRunner) Run(ctx context.Context, id string, manual bool) (*runner.Report, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runCall{id: id, manual: manual})
	r.mu.Unlock()

	select {
	case r.ran <- id:
	default:
	}
	return &runner.Report{Kind: generation.Published}, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestStore(t *testing.T) *campaign.BoltStorage {
	t.Helper()

	db, err := campaign.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := campaign.NewBoltStorage(db, 0)
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	return store
}

func save(t *testing.T, store campaign.Store, c *campaign.Campaign) {
	t.Helper()
	if err := store.Save(context.Background(), c); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func hourly(id string) *campaign.Campaign {
	return &campaign.Campaign{
		ID:          id,
		Enabled:     true,
		Keywords:    []string{"go"},
		RunInterval: 1,
		RunUnit:     campaign.UnitHours,
	}
}

func TestComputeNextRun(t *testing.T) {
	now := time.Date(2026, 5, 10, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		c      campaign.Campaign
		want   time.Time
		wantOK bool
	}{
		{
			name:   "minutes",
			c:      campaign.Campaign{Enabled: true, RunInterval: 15, RunUnit: campaign.UnitMinutes},
			want:   now.Add(15 * time.Minute),
			wantOK: true,
		},
		{
			name:   "hours",
			c:      campaign.Campaign{Enabled: true, RunInterval: 2, RunUnit: campaign.UnitHours},
			want:   now.Add(2 * time.Hour),
			wantOK: true,
		},
		{
			name:   "days",
			c:      campaign.Campaign{Enabled: true, RunInterval: 1, RunUnit: campaign.UnitDays},
			want:   now.Add(24 * time.Hour),
			wantOK: true,
		},
		{
			name:   "unknown unit is minutes",
			c:      campaign.Campaign{Enabled: true, RunInterval: 3, RunUnit: "weeks"},
			want:   now.Add(3 * time.Minute),
			wantOK: true,
		},
		{
			name:   "custom time later today",
			c:      campaign.Campaign{Enabled: true, RunInterval: 1, CustomTimeEnabled: true, CustomTimeValue: "18:05"},
			want:   time.Date(2026, 5, 10, 18, 5, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "custom time passed",
			c:      campaign.Campaign{Enabled: true, RunInterval: 1, CustomTimeEnabled: true, CustomTimeValue: "09:00"},
			want:   time.Date(2026, 5, 11, 9, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "custom time equal to now",
			c:      campaign.Campaign{Enabled: true, RunInterval: 1, CustomTimeEnabled: true, CustomTimeValue: "14:30"},
			want:   time.Date(2026, 5, 11, 14, 30, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "invalid custom time falls back to interval",
			c:      campaign.Campaign{Enabled: true, RunInterval: 1, RunUnit: campaign.UnitHours, CustomTimeEnabled: true, CustomTimeValue: "25:99"},
			want:   now.Add(time.Hour),
			wantOK: true,
		},
		{
			name: "disabled",
			c:    campaign.Campaign{Enabled: false, RunInterval: 1},
		},
		{
			name: "paused",
			c:    campaign.Campaign{Enabled: true, PausedAutorun: true, RunInterval: 1},
		},
		{
			name: "zero interval",
			c:    campaign.Campaign{Enabled: true, RunInterval: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ComputeNextRun(&tt.c, now)
			if ok != tt.wantOK {
				t.Fatalf("ComputeNextRun() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("ComputeNextRun() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScheduleTwiceArmsOneTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newTestStore(t)
	save(t, store, hourly("c1"))

	s := New(store, newFakeRunner(), testLogger())
	defer s.Stop()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.ScheduleOrUnschedule(ctx, "c1"); err != nil {
			t.Fatalf("ScheduleOrUnschedule() error = %v", err)
		}
	}

	if n := s.ArmedCount(); n != 1 {
		t.Errorf("ArmedCount() = %d, want 1", n)
	}

	at, ok := s.Armed("c1")
	if !ok {
		t.Fatal("campaign not armed")
	}

	hook, found, err := store.NextScheduledTime(ctx, "c1")
	if err != nil || !found || !hook.Equal(at) {
		t.Errorf("hook = %v, %v, %v; want %v", hook, found, err, at)
	}

	c, _ := store.Get(ctx, "c1")
	if c.NextRunAt == nil || !c.NextRunAt.Equal(at) {
		t.Errorf("NextRunAt = %v, want %v", c.NextRunAt, at)
	}
}

func TestScheduleDisabledUnarms(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newTestStore(t)
	c := hourly("c1")
	save(t, store, c)

	s := New(store, newFakeRunner(), testLogger())
	defer s.Stop()
	ctx := context.Background()

	s.ScheduleOrUnschedule(ctx, "c1")

	c.Enabled = false
	save(t, store, c)
	if err := s.ScheduleOrUnschedule(ctx, "c1"); err != nil {
		t.Fatalf("ScheduleOrUnschedule() error = %v", err)
	}

	if n := s.ArmedCount(); n != 0 {
		t.Errorf("ArmedCount() = %d, want 0", n)
	}
	if _, found, _ := store.NextScheduledTime(ctx, "c1"); found {
		t.Error("hook still recorded")
	}
	if got, _ := store.Get(ctx, "c1"); got.NextRunAt != nil {
		t.Errorf("NextRunAt = %v, want nil", got.NextRunAt)
	}
}

func TestFireRunsAndRearms(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newTestStore(t)
	c := hourly("c1")
	c.RunUnit = campaign.UnitMinutes
	save(t, store, c)

	r := newFakeRunner()
	s := New(store, r, testLogger())
	// next run lands 20ms after the real clock
	s.now = func() time.Time { return time.Now().Add(-time.Minute + 20*time.Millisecond) }

	if err := s.ScheduleOrUnschedule(context.Background(), "c1"); err != nil {
		t.Fatalf("ScheduleOrUnschedule() error = %v", err)
	}

	select {
	case <-r.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.ArmedCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	r.mu.Lock()
	first := r.calls[0]
	r.mu.Unlock()
	if first.id != "c1" || first.manual {
		t.Errorf("first call = %+v, want scheduled run of c1", first)
	}
	if n := s.ArmedCount(); n != 0 {
		t.Errorf("ArmedCount() after Stop = %d, want 0", n)
	}
}

func TestFireSkipsCampaignDisabledSinceArming(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newTestStore(t)
	c := hourly("c1")
	c.RunUnit = campaign.UnitMinutes
	save(t, store, c)

	r := newFakeRunner()
	s := New(store, r, testLogger())
	defer s.Stop()
	s.now = func() time.Time { return time.Now().Add(-time.Minute + 30*time.Millisecond) }

	s.ScheduleOrUnschedule(context.Background(), "c1")

	// disabled behind the scheduler's back
	c.Enabled = false
	save(t, store, c)

	time.Sleep(200 * time.Millisecond)

	if n := r.count(); n != 0 {
		t.Errorf("runner called %d times, want 0", n)
	}
	if n := s.ArmedCount(); n != 0 {
		t.Errorf("ArmedCount() = %d, want 0", n)
	}
	if got, _ := store.Get(context.Background(), "c1"); got.NextRunAt != nil {
		t.Errorf("NextRunAt = %v, want nil", got.NextRunAt)
	}
}

func TestTrigger(t *testing.T) {
	store := newTestStore(t)
	save(t, store, hourly("c1"))

	r := newFakeRunner()
	s := New(store, r, testLogger())
	defer s.Stop()
	ctx := context.Background()

	if _, err := s.Trigger(ctx, "c1", "wrong"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Trigger(wrong) error = %v, want ErrForbidden", err)
	}
	if _, err := s.Trigger(ctx, "c1", ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("Trigger(empty) error = %v, want ErrForbidden", err)
	}
	if n := r.count(); n != 0 {
		t.Fatalf("runner called %d times on forbidden triggers", n)
	}

	secret, err := s.Secret(ctx)
	if err != nil {
		t.Fatalf("Secret() error = %v", err)
	}
	if len(secret) != secretLength {
		t.Errorf("len(secret) = %d, want %d", len(secret), secretLength)
	}

	if _, err := s.Trigger(ctx, "c1", secret); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if r.calls[0] != (runCall{id: "c1", manual: true}) {
		t.Errorf("call = %+v, want manual run of c1", r.calls[0])
	}

	// the secret is persisted, not regenerated
	again := New(store, r, testLogger())
	defer again.Stop()
	if got, _ := again.Secret(ctx); got != secret {
		t.Errorf("Secret() after restart = %q, want %q", got, secret)
	}
}

func TestTriggerURL(t *testing.T) {
	store := newTestStore(t)
	s := New(store, nil, testLogger())
	defer s.Stop()

	got, err := s.TriggerURL(context.Background(), "https://example.com/", "c 1")
	if err != nil {
		t.Fatalf("TriggerURL() error = %v", err)
	}
	if !strings.HasPrefix(got, "https://example.com/?aab_external_run=1&campaign=c+1&key=") {
		t.Errorf("TriggerURL() = %q", got)
	}
}

func TestRunNowWithoutRunner(t *testing.T) {
	s := New(newTestStore(t), nil, testLogger())
	defer s.Stop()

	if _, err := s.RunNow(context.Background(), "c1"); !errors.Is(err, runner.ErrRunnerMissing) {
		t.Errorf("RunNow() error = %v, want ErrRunnerMissing", err)
	}
}

func TestRestore(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newTestStore(t)
	ctx := context.Background()

	save(t, store, hourly("fresh"))

	overdue := hourly("overdue")
	save(t, store, overdue)
	if err := store.ArmSingleEvent(ctx, "overdue", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("ArmSingleEvent() error = %v", err)
	}

	pending := hourly("pending")
	save(t, store, pending)
	pendingAt := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	store.ArmSingleEvent(ctx, "pending", pendingAt)

	disabled := hourly("disabled")
	disabled.Enabled = false
	save(t, store, disabled)
	store.ArmSingleEvent(ctx, "disabled", time.Now().Add(time.Minute))

	r := newFakeRunner()
	s := New(store, r, testLogger())
	if err := s.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	select {
	case id := <-r.ran:
		if id != "overdue" {
			t.Errorf("fired %q, want overdue", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("overdue campaign did not fire")
	}

	if at, ok := s.Armed("pending"); !ok || !at.Equal(pendingAt) {
		t.Errorf("pending armed = %v, %v; want %v", at, ok, pendingAt)
	}
	if _, ok := s.Armed("fresh"); !ok {
		t.Error("fresh campaign not armed")
	}
	if _, ok := s.Armed("disabled"); ok {
		t.Error("disabled campaign armed")
	}
	if _, found, _ := store.NextScheduledTime(ctx, "disabled"); found {
		t.Error("disabled campaign hook not cleared")
	}

	s.Stop()
}

// ctxRunner records whether the run context was already cancelled
type ctxRunner struct {
	mu   sync.Mutex
	errs []error
}

func (r *ctxRunner) Run(ctx context.Context, id string, manual bool) (*runner.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, ctx.Err())
	return &runner.Report{Kind: generation.Published}, nil
}

func TestRunsOutliveCallerContext(t *testing.T) {
	store := newTestStore(t)
	save(t, store, hourly("c1"))

	r := &ctxRunner{}
	s := New(store, r, testLogger())
	defer s.Stop()

	secret, err := s.Secret(context.Background())
	if err != nil {
		t.Fatalf("Secret() error = %v", err)
	}

	// the cron client or admin request is already gone
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.RunNow(ctx, "c1"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if _, err := s.Trigger(ctx, "c1", secret); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) != 2 {
		t.Fatalf("runner called %d times, want 2", len(r.errs))
	}
	for i, err := range r.errs {
		if err != nil {
			t.Errorf("run %d context error = %v, want nil", i, err)
		}
	}
}

func TestRunAfterStop(t *testing.T) {
	store := newTestStore(t)
	save(t, store, hourly("c1"))

	r := newFakeRunner()
	s := New(store, r, testLogger())
	s.Stop()

	if _, err := s.RunNow(context.Background(), "c1"); !errors.Is(err, ErrStopped) {
		t.Errorf("RunNow() error = %v, want ErrStopped", err)
	}
	if n := r.count(); n != 0 {
		t.Errorf("runner called %d times, want 0", n)
	}
}

type fixedReader struct {
	data []byte
}

func (r *fixedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestSecretFromRejectsBiasedBytes(t *testing.T) {
	// 248 is the first byte past the last full run of the 62-character alphabet
	src := &fixedReader{data: []byte{255, 248, 0, 61, 62, 247}}

	got, err := secretFrom(src, 3)
	if err != nil {
		t.Fatalf("secretFrom() error = %v", err)
	}
	if want := "a9a"; got != want {
		t.Errorf("secretFrom() = %q, want %q", got, want)
	}

	if _, err := secretFrom(&fixedReader{data: []byte{250, 251, 252}}, 3); err == nil {
		t.Error("secretFrom() with only rejected bytes and EOF: want error")
	}
}

func TestGenerateSecretAlphabet(t *testing.T) {
	secret, err := generateSecret(1000)
	if err != nil {
		t.Fatalf("generateSecret() error = %v", err)
	}
	if len(secret) != 1000 {
		t.Fatalf("len = %d, want 1000", len(secret))
	}
	for _, c := range secret {
		if !strings.ContainsRune(secretAlphabet, c) {
			t.Fatalf("secret contains %q outside the alphabet", c)
		}
	}
}
