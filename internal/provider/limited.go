package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/autopost/internal/metrics"
	"github.com/foxzi/autopost/internal/ratelimit"
)

// Allower is the part of the rate limiter a Limited caller needs
type Allower interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
}

// Limited wraps a Caller with rate limiting and call metrics
type Limited struct {
	next    Caller
	limiter Allower
	logger  *slog.Logger
}

// NewLimited wraps next. A nil limiter disables rate limiting.
func NewLimited(next Caller, limiter Allower, logger *slog.Logger) *Limited {
	return &Limited{
		next:    next,
		limiter: limiter,
		logger:  logger.With("component", "provider"),
	}
}

// Call checks the rate limit, then delegates and records the result
func (l *Limited) Call(ctx context.Context, req Request) (*Response, error) {
	if l.limiter != nil {
		result, err := l.limiter.Allow(ctx, &ratelimit.Request{
			Provider:   req.Provider,
			CampaignID: req.CampaignID,
		})
		if err != nil {
			l.logger.Warn("rate limiter failed, allowing call", "provider", req.Provider, "error", err)
		} else if !result.Allowed {
			metrics.IncRateLimitExceeded(string(result.DeniedBy))
			metrics.ObserveProviderCall(req.Provider, string(KindRateLimited), 0)
			l.logger.Warn("provider call rate limited",
				"provider", req.Provider,
				"campaign_id", req.CampaignID,
				"denied_by", result.DeniedBy,
				"retry_after", result.RetryAfter.Round(time.Second),
			)
			return nil, &CallError{
				Kind:     KindRateLimited,
				Provider: req.Provider,
				Err:      fmt.Errorf("%s limit reached, retry after %s", result.DeniedBy, result.RetryAfter.Round(time.Second)),
			}
		}
	}

	start := time.Now()
	resp, err := l.next.Call(ctx, req)
	elapsed := time.Since(start).Seconds()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if kind, ok := KindOf(err); ok {
			outcome = string(kind)
		}
	}
	metrics.ObserveProviderCall(req.Provider, outcome, elapsed)

	return resp, err
}
