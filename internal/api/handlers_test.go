package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/autopost/internal/campaign"
	"github.com/foxzi/autopost/internal/config"
	"github.com/foxzi/autopost/internal/document"
	"github.com/foxzi/autopost/internal/generation"
	"github.com/foxzi/autopost/internal/runner"
	"github.com/foxzi/autopost/internal/scheduler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingGenerator stands in for the provider pipeline and counts calls
type countingGenerator struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (g *countingGenerator) Generate(ctx context.Context, in generation.Input) generation.Outcome {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return generation.Outcome{Kind: generation.Failed, Keyword: in.Keyword, Reason: generation.ReasonAPIError, Err: ctx.Err()}
		}
	}

	return generation.Outcome{
		Kind:      generation.Published,
		Keyword:   in.Keyword,
		Title:     "About " + in.Keyword,
		HTML:      "<p>text about " + in.Keyword + "</p>",
		WordCount: 3,
	}
}

func (g *countingGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type testEnv struct {
	server    *Server
	store     *campaign.BoltStorage
	documents *document.BoltStorage
	scheduler *scheduler.Scheduler
	generator *countingGenerator
}

func newTestEnv(t *testing.T, cfg *config.APIConfig, withRunner bool) *testEnv {
	t.Helper()

	db, err := campaign.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := campaign.NewBoltStorage(db, 0)
	if err != nil {
		t.Fatalf("campaign.NewBoltStorage() error = %v", err)
	}
	docs, err := document.NewBoltStorage(db, "https://blog.example.com")
	if err != nil {
		t.Fatalf("document.NewBoltStorage() error = %v", err)
	}

	gen := &countingGenerator{}
	var sched *scheduler.Scheduler
	if withRunner {
		exec := runner.New(store, docs, gen, nil, runner.Defaults{PostStatus: "publish", PostType: "post"}, testLogger())
		sched = scheduler.New(store, exec, testLogger())
		exec.SetRescheduler(sched)
	} else {
		sched = scheduler.New(store, nil, testLogger())
	}
	t.Cleanup(sched.Stop)

	if cfg == nil {
		cfg = &config.APIConfig{}
	}

	return &testEnv{
		server:    NewServer(store, sched, docs, cfg, "https://blog.example.com", testLogger()),
		store:     store,
		documents: docs,
		scheduler: sched,
		generator: gen,
	}
}

func (e *testEnv) save(t *testing.T, c *campaign.Campaign) {
	t.Helper()
	if err := e.store.Save(context.Background(), c); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func (e *testEnv) secret(t *testing.T) string {
	t.Helper()
	secret, err := e.scheduler.Secret(context.Background())
	if err != nil {
		t.Fatalf("Secret() error = %v", err)
	}
	return secret
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func triggerPath(id, key string) string {
	q := url.Values{}
	q.Set("aab_external_run", "1")
	if id != "" {
		q.Set("campaign", id)
	}
	if key != "" {
		q.Set("key", key)
	}
	return "/?" + q.Encode()
}

func enabledCampaign(id string) *campaign.Campaign {
	return &campaign.Campaign{ID: id, Name: "Go news", Enabled: true, Keywords: []string{"golang", "chi"}}
}

func TestTriggerWrongKeyIsForbidden(t *testing.T) {
	env := newTestEnv(t, nil, true)
	env.save(t, enabledCampaign("c1"))
	secret := env.secret(t)

	for _, key := range []string{"wrong", secret[:len(secret)-1], secret + "x"} {
		w := env.do(httptest.NewRequest(http.MethodGet, triggerPath("c1", key), nil))
		if w.Code != http.StatusForbidden {
			t.Errorf("key %q: status = %d, want %d", key, w.Code, http.StatusForbidden)
		}
		if w.Body.String() != "Forbidden" {
			t.Errorf("key %q: body = %q", key, w.Body.String())
		}
	}

	if n := env.generator.count(); n != 0 {
		t.Errorf("generator calls = %d, want 0", n)
	}
	logs, _ := env.store.ListLogs(context.Background(), campaign.LogFilter{})
	if len(logs) != 0 {
		t.Errorf("log records = %d, want 0", len(logs))
	}
}

func TestTriggerRuns(t *testing.T) {
	env := newTestEnv(t, nil, true)
	env.save(t, enabledCampaign("c1"))
	secret := env.secret(t)

	w := env.do(httptest.NewRequest(http.MethodGet, triggerPath("c1", secret), nil))
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("GET trigger = %d %q, want 200 OK", w.Code, w.Body.String())
	}

	form := url.Values{"aab_external_run": {"1"}, "campaign": {"c1"}, "key": {secret}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = env.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST trigger = %d %q, want 200", w.Code, w.Body.String())
	}

	if n := env.generator.count(); n != 2 {
		t.Errorf("generator calls = %d, want 2", n)
	}
	count, err := env.documents.Count(context.Background())
	if err != nil || count != 2 {
		t.Errorf("documents = %d (%v), want 2", count, err)
	}
}

func TestTriggerSurvivesClientTimeout(t *testing.T) {
	env := newTestEnv(t, nil, true)
	env.generator.delay = 300 * time.Millisecond
	env.save(t, enabledCampaign("c1"))
	secret := env.secret(t)

	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	// a cron client that gives up long before generation ends
	client := &http.Client{Timeout: 50 * time.Millisecond}
	if resp, err := client.Get(srv.URL + triggerPath("c1", secret)); err == nil {
		resp.Body.Close()
		t.Fatal("client did not time out")
	}

	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	var logs []*campaign.LogRecord
	for time.Now().Before(deadline) {
		var err error
		if logs, err = env.store.ListLogs(ctx, campaign.LogFilter{}); err != nil {
			t.Fatalf("ListLogs() error = %v", err)
		}
		if len(logs) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(logs) != 1 || logs[0].Status != campaign.LogSuccess {
		t.Fatalf("logs = %+v, want one SUCCESS", logs)
	}

	c, err := env.store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if c.PostsRun != 1 {
		t.Errorf("PostsRun = %d, want 1", c.PostsRun)
	}
	if count, _ := env.documents.Count(ctx); count != 1 {
		t.Errorf("documents = %d, want 1", count)
	}
}

func TestTriggerInvalidRequests(t *testing.T) {
	env := newTestEnv(t, nil, true)
	env.save(t, enabledCampaign("c1"))
	secret := env.secret(t)

	tests := []struct {
		name string
		path string
	}{
		{"no parameters", "/"},
		{"missing flag", "/?campaign=c1&key=" + secret},
		{"missing campaign", triggerPath("", secret)},
		{"missing key", triggerPath("c1", "")},
		{"unknown campaign", triggerPath("nope", secret)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != http.StatusBadRequest || w.Body.String() != "Invalid trigger" {
				t.Errorf("trigger = %d %q, want 400 Invalid trigger", w.Code, w.Body.String())
			}
		})
	}

	if n := env.generator.count(); n != 0 {
		t.Errorf("generator calls = %d, want 0", n)
	}
}

func TestTriggerRunnerMissing(t *testing.T) {
	env := newTestEnv(t, nil, false)
	env.save(t, enabledCampaign("c1"))

	w := env.do(httptest.NewRequest(http.MethodGet, triggerPath("c1", env.secret(t)), nil))
	if w.Code != http.StatusInternalServerError || w.Body.String() != "Runner missing" {
		t.Errorf("trigger = %d %q, want 500 Runner missing", w.Code, w.Body.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}

	tests := []struct {
		name   string
		cfg    *config.APIConfig
		header string
		value  string
		want   int
	}{
		{"no key configured", &config.APIConfig{}, "", "", http.StatusOK},
		{"missing key", &config.APIConfig{APIKey: "k"}, "", "", http.StatusUnauthorized},
		{"bearer", &config.APIConfig{APIKey: "k"}, "Authorization", "Bearer k", http.StatusOK},
		{"x-api-key", &config.APIConfig{APIKey: "k"}, "X-API-Key", "k", http.StatusOK},
		{"wrong key", &config.APIConfig{APIKey: "k"}, "X-API-Key", "nope", http.StatusUnauthorized},
		{"bcrypt hash", &config.APIConfig{APIKeyHash: string(hash)}, "Authorization", "Bearer hashed-key", http.StatusOK},
		{"bcrypt wrong key", &config.APIConfig{APIKeyHash: string(hash)}, "X-API-Key", "other", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.cfg, true)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			if w := env.do(req); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAdminIPFilter(t *testing.T) {
	env := newTestEnv(t, &config.APIConfig{AllowedIPs: []string{"10.0.0.0/8"}}, true)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if w := env.do(req); w.Code != http.StatusForbidden {
		t.Errorf("outside allow-list: status = %d, want 403", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	req.RemoteAddr = "10.1.2.3:1234"
	if w := env.do(req); w.Code != http.StatusOK {
		t.Errorf("inside allow-list: status = %d, want 200", w.Code)
	}

	// The trigger is not behind the admin allow-list
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if w := env.do(req); w.Code != http.StatusBadRequest {
		t.Errorf("trigger: status = %d, want 400", w.Code)
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func jsonRequest(method, path string, v any) *http.Request {
	body, _ := json.Marshal(v)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCampaignLifecycle(t *testing.T) {
	env := newTestEnv(t, nil, true)

	create := map[string]any{
		"name":         "Go news",
		"enabled":      true,
		"keywords":     []string{"golang"},
		"run_interval": 2,
		"run_unit":     "hours",
		"posts_run":    40,
	}
	w := env.do(jsonRequest(http.MethodPost, "/api/v1/campaigns", create))
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", w.Code, w.Body.String())
	}
	created := decode[campaign.Campaign](t, w)
	if created.ID == "" {
		t.Fatal("create: id not generated")
	}
	if created.PostsRun != 0 {
		t.Errorf("create: posts_run = %d, want client value ignored", created.PostsRun)
	}
	if created.Status != campaign.StatusActive {
		t.Errorf("create: status = %q, want active", created.Status)
	}
	if created.NextRunAt == nil {
		t.Error("create: next_run_at not set for a schedulable campaign")
	}
	if _, ok := env.scheduler.Armed(created.ID); !ok {
		t.Error("create: timer not armed")
	}

	path := "/api/v1/campaigns/" + created.ID

	w = env.do(httptest.NewRequest(http.MethodGet, path, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}

	update := map[string]any{"name": "Go weekly", "enabled": false, "keywords": []string{"golang", "chi"}}
	w = env.do(jsonRequest(http.MethodPut, path, update))
	if w.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body = %s", w.Code, w.Body.String())
	}
	updated := decode[campaign.Campaign](t, w)
	if updated.Name != "Go weekly" || updated.Enabled {
		t.Errorf("update: name = %q enabled = %v", updated.Name, updated.Enabled)
	}
	if updated.NextRunAt != nil {
		t.Error("update: next_run_at kept for a disabled campaign")
	}
	if _, ok := env.scheduler.Armed(created.ID); ok {
		t.Error("update: timer still armed for a disabled campaign")
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil))
	if list := decode[CampaignsResponse](t, w); len(list.Campaigns) != 1 {
		t.Errorf("list: campaigns = %d, want 1", len(list.Campaigns))
	}

	if w = env.do(httptest.NewRequest(http.MethodDelete, path, nil)); w.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d", w.Code)
	}
	if w = env.do(httptest.NewRequest(http.MethodGet, path, nil)); w.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", w.Code)
	}
	if w = env.do(httptest.NewRequest(http.MethodDelete, path, nil)); w.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", w.Code)
	}
}

func TestUpdateKeepsRunStateWrittenByRun(t *testing.T) {
	env := newTestEnv(t, nil, true)
	c := enabledCampaign("c1")
	c.PostsRun = 3
	env.save(t, c)

	// the client edits a copy read before a run published
	stale := c.Clone()
	stale.Name = "Renamed"
	posts := 4
	if _, err := env.store.UpdateMeta(context.Background(), "c1", campaign.MetaPatch{PostsRun: &posts}); err != nil {
		t.Fatalf("UpdateMeta() error = %v", err)
	}

	w := env.do(jsonRequest(http.MethodPut, "/api/v1/campaigns/c1", stale))
	if w.Code != http.StatusOK {
		t.Fatalf("PUT = %d %s", w.Code, w.Body.String())
	}

	got, err := env.store.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Renamed" || got.PostsRun != 4 {
		t.Errorf("stored = name %q posts %d, want Renamed with 4 posts", got.Name, got.PostsRun)
	}
}

func TestCampaignRequestErrors(t *testing.T) {
	env := newTestEnv(t, nil, true)
	env.save(t, enabledCampaign("c1"))

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"invalid body", httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", strings.NewReader("{")), http.StatusBadRequest},
		{"invalid campaign", jsonRequest(http.MethodPost, "/api/v1/campaigns", map[string]any{"min_words": 900, "max_words": 100}), http.StatusBadRequest},
		{"duplicate id", jsonRequest(http.MethodPost, "/api/v1/campaigns", map[string]any{"id": "c1"}), http.StatusConflict},
		{"update unknown", jsonRequest(http.MethodPut, "/api/v1/campaigns/nope", map[string]any{"name": "x"}), http.StatusNotFound},
		{"update invalid", jsonRequest(http.MethodPut, "/api/v1/campaigns/c1", map[string]any{"run_unit": "weeks"}), http.StatusBadRequest},
		{"run unknown", httptest.NewRequest(http.MethodPost, "/api/v1/campaigns/nope/run", nil), http.StatusNotFound},
		{"bad log limit", httptest.NewRequest(http.MethodGet, "/api/v1/logs?limit=-1", nil), http.StatusBadRequest},
		{"bad log status", httptest.NewRequest(http.MethodGet, "/api/v1/logs?status=INFO", nil), http.StatusBadRequest},
		{"unknown document", httptest.NewRequest(http.MethodGet, "/api/v1/documents/nope", nil), http.StatusNotFound},
		{"trigger url without campaign", httptest.NewRequest(http.MethodGet, "/api/v1/trigger", nil), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(tt.req); w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRunCampaignAndLogs(t *testing.T) {
	env := newTestEnv(t, nil, true)
	c := enabledCampaign("c1")
	c.PausedAutorun = true
	env.save(t, c)

	w := env.do(httptest.NewRequest(http.MethodPost, "/api/v1/campaigns/c1/run", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("run: status = %d, body = %s", w.Code, w.Body.String())
	}
	run := decode[RunResponse](t, w)
	if run.Outcome != string(generation.Published) || run.Keyword != "golang" || run.DocumentID == "" {
		t.Errorf("run = %+v", run)
	}
	if run.LogStatus != string(campaign.LogSuccess) {
		t.Errorf("run log status = %q, want SUCCESS", run.LogStatus)
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+run.DocumentID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("document: status = %d", w.Code)
	}
	if doc := decode[document.Document](t, w); doc.Title != "About golang" || doc.Status != "publish" {
		t.Errorf("document = %+v", doc)
	}

	for _, path := range []string{"/api/v1/logs?status=SUCCESS", "/api/v1/logs?campaign=c1", "/api/v1/campaigns/c1/logs?limit=1"} {
		w = env.do(httptest.NewRequest(http.MethodGet, path, nil))
		logs := decode[LogsResponse](t, w)
		if len(logs.Logs) != 1 || logs.Logs[0].PostURL != "https://blog.example.com/posts/"+run.DocumentID {
			t.Errorf("%s: logs = %+v", path, logs.Logs)
		}
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/logs?status=ERROR", nil))
	if logs := decode[LogsResponse](t, w); len(logs.Logs) != 0 {
		t.Errorf("ERROR logs = %d, want 0", len(logs.Logs))
	}
}

func TestTriggerURLAndHealth(t *testing.T) {
	env := newTestEnv(t, nil, true)
	env.save(t, enabledCampaign("c1"))
	secret := env.secret(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/trigger?campaign=c1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("trigger url: status = %d", w.Code)
	}
	resp := decode[TriggerURLResponse](t, w)
	want := "https://blog.example.com/?aab_external_run=1&campaign=c1&key=" + secret
	if resp.URL != want {
		t.Errorf("URL = %q, want %q", resp.URL, want)
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	health := decode[HealthResponse](t, w)
	if health.Status != "ok" || health.Campaigns != 1 {
		t.Errorf("health = %+v", health)
	}
}
