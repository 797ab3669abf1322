package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for autopost
type Metrics struct {
	// Campaign runs
	RunsTotal                 *prometheus.CounterVec
	RunDurationSeconds        prometheus.Histogram
	ContinuationAttemptsTotal *prometheus.CounterVec
	DocumentsCreatedTotal     *prometheus.CounterVec

	// Provider calls
	ProviderCallsTotal          *prometheus.CounterVec
	ProviderCallDurationSeconds *prometheus.HistogramVec

	// Scheduling
	TimersArmed          prometheus.Gauge
	TriggerRequestsTotal *prometheus.CounterVec
	CampaignsActive      prometheus.Gauge
	CampaignsCompleted   prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// Notifications
	NotificationsTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopost_runs_total",
				Help: "Total number of campaign runs by outcome",
			},
			[]string{"outcome"},
		),
		RunDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autopost_run_duration_seconds",
				Help:    "Campaign run duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
		),
		ContinuationAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopost_continuation_attempts_total",
				Help: "Total number of continuation calls by kind",
			},
			[]string{"kind"},
		),
		DocumentsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopost_documents_created_total",
				Help: "Total number of documents written by status",
			},
			[]string{"status"},
		),

		ProviderCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopost_provider_calls_total",
				Help: "Total number of provider calls by provider and result",
			},
			[]string{"provider", "result"},
		),
		ProviderCallDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopost_provider_call_duration_seconds",
				Help:    "Provider call latency in seconds",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 40, 60, 90, 120},
			},
			[]string{"provider"},
		),

		TimersArmed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "autopost_timers_armed",
				Help: "Number of campaigns with an armed timer",
			},
		),
		TriggerRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopost_trigger_requests_total",
				Help: "Total number of external trigger requests by result",
			},
			[]string{"result"},
		),
		CampaignsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "autopost_campaigns_active",
				Help: "Number of active campaigns",
			},
		),
		CampaignsCompleted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "autopost_campaigns_completed",
				Help: "Number of completed campaigns",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopost_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopost_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 60, 300},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopost_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopost_ratelimit_exceeded_total",
				Help: "Total number of provider calls rejected by the rate limiter",
			},
			[]string{"level"},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopost_notifications_total",
				Help: "Total number of notification emails by result",
			},
			[]string{"result"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "autopost_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "autopost_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "autopost_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDurationSeconds,
		m.ContinuationAttemptsTotal,
		m.DocumentsCreatedTotal,
		m.ProviderCallsTotal,
		m.ProviderCallDurationSeconds,
		m.TimersArmed,
		m.TriggerRequestsTotal,
		m.CampaignsActive,
		m.CampaignsCompleted,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.NotificationsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// counters maps metric names to the counter vectors restored across restarts
func (m *Metrics) counters() map[string]*prometheus.CounterVec {
	return map[string]*prometheus.CounterVec{
		"autopost_runs_total":                  m.RunsTotal,
		"autopost_continuation_attempts_total": m.ContinuationAttemptsTotal,
		"autopost_documents_created_total":     m.DocumentsCreatedTotal,
		"autopost_provider_calls_total":        m.ProviderCallsTotal,
		"autopost_trigger_requests_total":      m.TriggerRequestsTotal,
		"autopost_api_requests_total":          m.APIRequestsTotal,
		"autopost_api_errors_total":            m.APIErrorsTotal,
		"autopost_ratelimit_exceeded_total":    m.RateLimitExceededTotal,
		"autopost_notifications_total":         m.NotificationsTotal,
	}
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncRuns increments the run counter for an outcome
func IncRuns(outcome string) {
	if m := Global(); m != nil {
		m.RunsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveRunDuration records how long a run took
func ObserveRunDuration(seconds float64) {
	if m := Global(); m != nil {
		m.RunDurationSeconds.Observe(seconds)
	}
}

// IncContinuationAttempts increments the continuation counter
func IncContinuationAttempts(kind string) {
	if m := Global(); m != nil {
		m.ContinuationAttemptsTotal.WithLabelValues(kind).Inc()
	}
}

// IncDocumentsCreated increments the document counter
func IncDocumentsCreated(status string) {
	if m := Global(); m != nil {
		m.DocumentsCreatedTotal.WithLabelValues(status).Inc()
	}
}

// ObserveProviderCall records one provider call and its latency
func ObserveProviderCall(provider, result string, seconds float64) {
	if m := Global(); m != nil {
		m.ProviderCallsTotal.WithLabelValues(provider, result).Inc()
		m.ProviderCallDurationSeconds.WithLabelValues(provider).Observe(seconds)
	}
}

// SetTimersArmed sets the armed timer gauge
func SetTimersArmed(n int) {
	if m := Global(); m != nil {
		m.TimersArmed.Set(float64(n))
	}
}

// IncTriggerRequests increments the external trigger counter
func IncTriggerRequests(result string) {
	if m := Global(); m != nil {
		m.TriggerRequestsTotal.WithLabelValues(result).Inc()
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// IncNotifications increments the notification counter
func IncNotifications(result string) {
	if m := Global(); m != nil {
		m.NotificationsTotal.WithLabelValues(result).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
