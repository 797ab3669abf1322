package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/foxzi/autopost/internal/campaign"
	"github.com/foxzi/autopost/internal/document"
	"github.com/foxzi/autopost/internal/metrics"
	"github.com/foxzi/autopost/internal/runner"
	"github.com/foxzi/autopost/internal/scheduler"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 500
)

// RunResponse is the response for POST /campaigns/{id}/run
type RunResponse struct {
	CampaignID string `json:"campaign_id"`
	Outcome    string `json:"outcome"`
	Keyword    string `json:"keyword,omitempty"`
	Reason     string `json:"reason,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	LogStatus  string `json:"log_status,omitempty"`
}

// CampaignsResponse is the response for GET /campaigns
type CampaignsResponse struct {
	Campaigns []*campaign.Campaign `json:"campaigns"`
}

// LogsResponse is the response for log listings
type LogsResponse struct {
	Logs []*campaign.LogRecord `json:"logs"`
}

// TriggerURLResponse is the response for GET /trigger
type TriggerURLResponse struct {
	CampaignID string `json:"campaign_id"`
	URL        string `json:"url"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Campaigns int    `json:"campaigns"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleTrigger handles GET/POST /?aab_external_run=1&campaign={id}&key={secret}
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.sendTriggerResult(w, http.StatusBadRequest, "Invalid trigger", "invalid")
		return
	}

	id := r.Form.Get("campaign")
	key := r.Form.Get("key")
	if r.Form.Get("aab_external_run") != "1" || id == "" || key == "" {
		s.sendTriggerResult(w, http.StatusBadRequest, "Invalid trigger", "invalid")
		return
	}

	report, err := s.scheduler.Trigger(r.Context(), id, key)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrForbidden):
		s.logger.Warn("external trigger rejected", "campaign_id", id, "remote_addr", r.RemoteAddr)
		s.sendTriggerResult(w, http.StatusForbidden, "Forbidden", "forbidden")
		return
	case errors.Is(err, campaign.ErrNotFound):
		s.sendTriggerResult(w, http.StatusBadRequest, "Invalid trigger", "invalid")
		return
	case errors.Is(err, runner.ErrRunnerMissing):
		s.sendTriggerResult(w, http.StatusInternalServerError, "Runner missing", "error")
		return
	default:
		s.logger.Error("external trigger run failed", "campaign_id", id, "error", err)
		s.sendTriggerResult(w, http.StatusInternalServerError, "Error", "error")
		return
	}

	s.logger.Info("external trigger run finished", "campaign_id", id, "outcome", report.Kind)
	s.sendTriggerResult(w, http.StatusOK, "OK", "ok")
}

func (s *Server) sendTriggerResult(w http.ResponseWriter, status int, body, result string) {
	metrics.IncTriggerRequests(result)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []*campaign.Campaign{}
	}

	s.sendJSON(w, http.StatusOK, CampaignsResponse{Campaigns: campaigns})
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaign.Campaign
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	} else if _, err := s.store.Get(r.Context(), id); err == nil {
		s.sendError(w, http.StatusConflict, "Campaign already exists")
		return
	} else if !errors.Is(err, campaign.ErrNotFound) {
		s.logger.Error("failed to get campaign", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return
	}

	// Run state supplied by the client is ignored
	c, _ := campaign.ApplyEdit(&campaign.Campaign{ID: id}, &req)
	if err := s.store.Save(r.Context(), c); err != nil {
		s.logger.Error("failed to save campaign", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to save campaign")
		return
	}

	s.reschedule(r, id)
	s.logger.Info("campaign created", "id", id, "name", c.Name)
	s.sendCampaign(w, r, http.StatusCreated, id)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	s.sendCampaign(w, r, http.StatusOK, chi.URLParam(r, "id"))
}

// handleUpdateCampaign handles PUT /api/v1/campaigns/{id}
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req campaign.Campaign
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	var resumed bool
	_, err := s.store.Edit(r.Context(), id, func(current *campaign.Campaign) *campaign.Campaign {
		var updated *campaign.Campaign
		updated, resumed = campaign.ApplyEdit(current, &req)
		return updated
	})
	if errors.Is(err, campaign.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to save campaign", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to save campaign")
		return
	}

	s.reschedule(r, id)
	s.logger.Info("campaign updated", "id", id, "resumed", resumed)
	s.sendCampaign(w, r, http.StatusOK, id)
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.Get(r.Context(), id); errors.Is(err, campaign.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return
	}

	if err := s.store.Delete(r.Context(), id); err != nil {
		s.logger.Error("failed to delete campaign", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete campaign")
		return
	}

	// Disarms the timer now that the campaign is gone
	s.reschedule(r, id)
	s.logger.Info("campaign deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleRunCampaign handles POST /api/v1/campaigns/{id}/run
func (s *Server) handleRunCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := s.scheduler.RunNow(r.Context(), id)
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return
	case errors.Is(err, runner.ErrRunnerMissing):
		s.sendError(w, http.StatusInternalServerError, "Runner missing")
		return
	case err != nil:
		s.logger.Error("manual run failed", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Run failed")
		return
	}

	s.sendJSON(w, http.StatusOK, RunResponse{
		CampaignID: id,
		Outcome:    string(report.Kind),
		Keyword:    report.Keyword,
		Reason:     report.Reason,
		DocumentID: report.DocumentID,
		LogStatus:  string(report.LogStatus),
	})
}

// handleCampaignLogs handles GET /api/v1/campaigns/{id}/logs
func (s *Server) handleCampaignLogs(w http.ResponseWriter, r *http.Request) {
	s.sendLogs(w, r, chi.URLParam(r, "id"))
}

// handleLogs handles GET /api/v1/logs?campaign=&status=&limit=
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.sendLogs(w, r, r.URL.Query().Get("campaign"))
}

func (s *Server) sendLogs(w http.ResponseWriter, r *http.Request, campaignID string) {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, maxLogLimit)
	}

	filter := campaign.LogFilter{
		CampaignID: campaignID,
		Status:     campaign.LogStatus(r.URL.Query().Get("status")),
		Limit:      limit,
	}
	switch filter.Status {
	case "", campaign.LogSuccess, campaign.LogError, campaign.LogWarning:
	default:
		s.sendError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	logs, err := s.store.ListLogs(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list logs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list logs")
		return
	}
	if logs == nil {
		logs = []*campaign.LogRecord{}
	}

	s.sendJSON(w, http.StatusOK, LogsResponse{Logs: logs})
}

// handleGetDocument handles GET /api/v1/documents/{id}
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	doc, err := s.documents.Get(r.Context(), id)
	if errors.Is(err, document.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Document not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get document", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get document")
		return
	}

	s.sendJSON(w, http.StatusOK, doc)
}

// handleTriggerURL handles GET /api/v1/trigger?campaign={id}
func (s *Server) handleTriggerURL(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("campaign")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "campaign is required")
		return
	}

	url, err := s.scheduler.TriggerURL(r.Context(), s.baseURL, id)
	if err != nil {
		s.logger.Error("failed to build trigger URL", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to build trigger URL")
		return
	}

	s.sendJSON(w, http.StatusOK, TriggerURLResponse{CampaignID: id, URL: url})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	campaigns, _ := s.store.List(r.Context())

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   Version,
		Uptime:    time.Since(s.startTime).String(),
		Campaigns: len(campaigns),
	})
}

// reschedule re-arms or disarms the timer of a campaign after an edit.
// Scheduling failures are logged and do not fail the request.
func (s *Server) reschedule(r *http.Request, id string) {
	if err := s.scheduler.ScheduleOrUnschedule(r.Context(), id); err != nil {
		s.logger.Error("failed to reschedule campaign", "id", id, "error", err)
	}
}

func (s *Server) sendCampaign(w http.ResponseWriter, r *http.Request, status int, id string) {
	c, err := s.store.Get(r.Context(), id)
	if errors.Is(err, campaign.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get campaign", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return
	}

	s.sendJSON(w, status, c)
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
