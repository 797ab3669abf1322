// Package scheduler keeps at most one armed timer per campaign, fires runs
// and re-arms them, and gates the external trigger behind a persisted secret.
package scheduler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/foxzi/autopost/internal/campaign"
	"github.com/foxzi/autopost/internal/metrics"
	"github.com/foxzi/autopost/internal/runner"
)

// ErrForbidden is returned when an external trigger key does not match
var ErrForbidden = errors.New("forbidden")

// ErrStopped is returned for runs requested after Stop
var ErrStopped = errors.New("scheduler stopped")

const (
	secretSettingKey = "external_trigger_secret"
	secretLength     = 28
	secretAlphabet   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Runner executes one campaign run
type Runner interface {
	Run(ctx context.Context, id string, manualOverride bool) (*runner.Report, error)
}

type timerEntry struct {
	timer *time.Timer
	at    time.Time
}

// Scheduler owns the campaign timers
type Scheduler struct {
	store  campaign.Store
	runner Runner
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[string]*timerEntry
	stopped bool
	wg      sync.WaitGroup

	// group serializes runs of the same campaign across timer, trigger and manual paths
	group singleflight.Group

	secretMu sync.Mutex
}

// New creates a scheduler. runner may be nil, in which case runs fail with
// runner.ErrRunnerMissing.
func New(store campaign.Store, r Runner, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  store,
		runner: r,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*timerEntry),
	}
}

// ComputeNextRun returns the next fire time of c after now, or false if the
// campaign should not be armed.
func ComputeNextRun(c *campaign.Campaign, now time.Time) (time.Time, bool) {
	if !c.Schedulable() {
		return time.Time{}, false
	}

	if c.CustomTimeEnabled {
		if hour, minute, ok := parseClock(c.CustomTimeValue); ok {
			next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
			if !next.After(now) {
				next = next.AddDate(0, 0, 1)
			}
			return next, true
		}
	}

	return now.Add(time.Duration(int64(c.RunInterval)*c.RunUnit.Seconds()) * time.Second), true
}

// parseClock parses "HH:MM"
func parseClock(s string) (hour, minute int, ok bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

// ScheduleOrUnschedule clears any armed timer for the campaign and arms a
// new one if the campaign is schedulable
func (s *Scheduler) ScheduleOrUnschedule(ctx context.Context, id string) error {
	s.disarm(id)

	if err := s.store.ClearScheduledHook(ctx, id); err != nil {
		return fmt.Errorf("failed to clear hook: %w", err)
	}

	c, err := s.store.Get(ctx, id)
	if errors.Is(err, campaign.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}

	next, ok := ComputeNextRun(c, s.now())
	if !ok {
		if c.NextRunAt != nil {
			if _, err := s.store.UpdateMeta(ctx, id, campaign.MetaPatch{ClearNextRunAt: true}); err != nil {
				return fmt.Errorf("failed to clear next run: %w", err)
			}
		}
		s.logger.Debug("campaign unscheduled", "campaign_id", id)
		return nil
	}

	return s.armAt(ctx, id, next)
}

// armAt records the hook and next run time, then arms the timer
func (s *Scheduler) armAt(ctx context.Context, id string, at time.Time) error {
	if err := s.store.ArmSingleEvent(ctx, id, at); err != nil {
		return fmt.Errorf("failed to record hook: %w", err)
	}
	if _, err := s.store.UpdateMeta(ctx, id, campaign.MetaPatch{NextRunAt: &at}); err != nil {
		return fmt.Errorf("failed to store next run: %w", err)
	}

	s.arm(id, at)
	s.logger.Debug("campaign scheduled", "campaign_id", id, "next_run_at", at)
	return nil
}

func (s *Scheduler) arm(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if existing, ok := s.timers[id]; ok {
		existing.timer.Stop()
	}

	entry := &timerEntry{at: at}
	entry.timer = time.AfterFunc(max(at.Sub(s.now()), 0), func() {
		s.fire(id, entry)
	})
	s.timers[id] = entry
	metrics.SetTimersArmed(len(s.timers))
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.timers[id]; ok {
		entry.timer.Stop()
		delete(s.timers, id)
		metrics.SetTimersArmed(len(s.timers))
	}
}

// fire runs when a timer expires
func (s *Scheduler) fire(id string, entry *timerEntry) {
	s.mu.Lock()
	if s.stopped || s.timers[id] != entry {
		// stale timer replaced or stopped after it expired
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	metrics.SetTimersArmed(len(s.timers))
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx := s.ctx
	logger := s.logger.With("campaign_id", id)

	c, err := s.store.Get(ctx, id)
	if err != nil {
		logger.Warn("fired campaign could not be loaded", "error", err)
		return
	}

	if c.Enabled && !c.PausedAutorun {
		logger.Debug("timer fired")
		if _, err := s.run(id, false); err != nil && !errors.Is(err, ErrStopped) {
			logger.Error("scheduled run failed", "error", err)
		}
	} else {
		logger.Debug("timer fired for inactive campaign")
	}

	if ctx.Err() != nil {
		return
	}
	if err := s.ScheduleOrUnschedule(ctx, id); err != nil {
		logger.Warn("failed to re-arm campaign", "error", err)
	}
}

// run executes a run, joining one already in flight for the same campaign.
// Runs live under the scheduler's context, so only Stop cancels them.
func (s *Scheduler) run(id string, manual bool) (*runner.Report, error) {
	if s.runner == nil {
		return nil, runner.ErrRunnerMissing
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	v, err, _ := s.group.Do(id, func() (any, error) {
		return s.runner.Run(s.ctx, id, manual)
	})
	report, _ := v.(*runner.Report)
	return report, err
}

// RunNow runs a campaign immediately with the manual override. The run is
// not bound to ctx: a caller that goes away does not abort generation.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*runner.Report, error) {
	return s.run(id, true)
}

// Trigger runs a campaign for the external trigger after checking key
func (s *Scheduler) Trigger(ctx context.Context, id, key string) (*runner.Report, error) {
	secret, err := s.Secret(ctx)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(secret)) != 1 {
		return nil, ErrForbidden
	}

	return s.run(id, true)
}

// Secret returns the external trigger secret, generating it on first use
func (s *Scheduler) Secret(ctx context.Context) (string, error) {
	s.secretMu.Lock()
	defer s.secretMu.Unlock()

	secret, err := s.store.GetSetting(ctx, secretSettingKey)
	if err != nil {
		return "", fmt.Errorf("failed to read trigger secret: %w", err)
	}
	if secret != "" {
		return secret, nil
	}

	secret, err = generateSecret(secretLength)
	if err != nil {
		return "", err
	}
	if err := s.store.PutSetting(ctx, secretSettingKey, secret); err != nil {
		return "", fmt.Errorf("failed to store trigger secret: %w", err)
	}

	s.logger.Info("generated external trigger secret")
	return secret, nil
}

// TriggerURL returns the external trigger URL of a campaign
func (s *Scheduler) TriggerURL(ctx context.Context, baseURL, id string) (string, error) {
	secret, err := s.Secret(ctx)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("aab_external_run", "1")
	q.Set("campaign", id)
	q.Set("key", secret)
	return strings.TrimRight(baseURL, "/") + "/?" + q.Encode(), nil
}

func generateSecret(n int) (string, error) {
	return secretFrom(rand.Reader, n)
}

// secretFrom draws n alphabet characters from src. Bytes at or above the
// largest multiple of the alphabet size are rejected so every character is
// equally likely.
func secretFrom(src io.Reader, n int) (string, error) {
	limit := 256 - 256%len(secretAlphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(src, buf); err != nil {
			return "", fmt.Errorf("failed to generate secret: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, secretAlphabet[int(b)%len(secretAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// Restore re-arms every schedulable campaign after a restart. A persisted
// hook time is kept, past ones fire immediately.
func (s *Scheduler) Restore(ctx context.Context) error {
	campaigns, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	armed := 0
	for _, c := range campaigns {
		if !c.Schedulable() {
			if err := s.ScheduleOrUnschedule(ctx, c.ID); err != nil {
				s.logger.Warn("failed to unschedule campaign", "campaign_id", c.ID, "error", err)
			}
			continue
		}

		at, found, err := s.store.NextScheduledTime(ctx, c.ID)
		if err != nil {
			s.logger.Warn("invalid hook, rescheduling", "campaign_id", c.ID, "error", err)
			found = false
		}

		if found {
			s.arm(c.ID, at)
		} else if err := s.ScheduleOrUnschedule(ctx, c.ID); err != nil {
			s.logger.Warn("failed to schedule campaign", "campaign_id", c.ID, "error", err)
			continue
		}
		armed++
	}

	s.logger.Info("scheduler restored", "campaigns", len(campaigns), "armed", armed)
	return nil
}

// Armed returns the time the campaign timer is armed for
func (s *Scheduler) Armed(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return entry.at, true
}

// ArmedCount returns the number of armed timers
func (s *Scheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms all timers and waits for in-flight fires
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	metrics.SetTimersArmed(0)
	s.mu.Unlock()

	s.logger.Info("stopping scheduler")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
