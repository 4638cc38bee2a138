package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basket/go-agency/internal/agent"
	"github.com/basket/go-agency/internal/cron"
	"github.com/basket/go-agency/internal/metrics"
	"github.com/basket/go-agency/internal/persistence"
	"github.com/basket/go-agency/internal/scheduler"
)

const defaultWindowDays = 7

// --- agents ---

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var reg agent.Registration
	if err := decodeBody(r, &reg); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.cfg.Registry.Register(r.Context(), reg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Agent registered successfully",
		"agent":   a,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	status := persistence.AgentStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		badRequest(w, fmt.Sprintf("unknown agent status %q", status))
		return
	}
	agents, err := s.cfg.Registry.List(r.Context(), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []persistence.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.cfg.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": a})
}

type agentStatusRequest struct {
	Status persistence.AgentStatus `json:"status"`
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req agentStatusRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.cfg.Registry.Heartbeat(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Agent status updated",
		"agent":   a,
	})
}

// --- messages ---

type sendMessageRequest struct {
	Sender   string          `json:"sender_agent_id"`
	Receiver string          `json:"receiver_agent_id"`
	Type     string          `json:"message_type"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, f := range [][2]string{
		{"sender_agent_id", req.Sender},
		{"receiver_agent_id", req.Receiver},
		{"message_type", req.Type},
	} {
		if strings.TrimSpace(f[1]) == "" {
			badRequest(w, "Missing required field: "+f[0])
			return
		}
	}
	id, err := s.cfg.Router.Send(r.Context(), req.Sender, req.Receiver, req.Type, req.Payload, req.Priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":    "Message sent successfully",
		"message_id": id,
	})
}

func (s *Server) handlePollMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := persistence.MessageStatus(r.URL.Query().Get("status"))
	msgs, err := s.cfg.Router.Poll(r.Context(), r.PathValue("agent_id"), status, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

type completeMessageRequest struct {
	Response json.RawMessage `json:"response"`
}

func (s *Server) handleProcessMessage(w http.ResponseWriter, r *http.Request) {
	s.completeMessage(w, r, false)
}

func (s *Server) handleFailMessage(w http.ResponseWriter, r *http.Request) {
	s.completeMessage(w, r, true)
}

func (s *Server) completeMessage(w http.ResponseWriter, r *http.Request, failed bool) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req completeMessageRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	complete, verb := s.cfg.Router.Acknowledge, "processed"
	if failed {
		complete, verb = s.cfg.Router.Fail, "failed"
	}
	msg, err := complete(r.Context(), id, req.Response)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":  "Message " + verb,
		"message": msg,
	})
}

// --- content ---

func (s *Server) handleSubmitContent(w http.ResponseWriter, r *http.Request) {
	var sub scheduler.Submission
	if err := decodeBody(r, &sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	item, err := s.cfg.Scheduler.Enqueue(r.Context(), sub)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Content created successfully",
		"content": item,
	})
}

func (s *Server) handleQueryContent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := persistence.ContentFilter{
		Status:    persistence.ContentStatus(q.Get("status")),
		Persona:   persistence.Persona(q.Get("persona")),
		CreatorID: q.Get("creator_agent_id"),
		Limit:     limit,
	}
	if f.Status != "" && !f.Status.Valid() {
		badRequest(w, fmt.Sprintf("unknown content status %q", f.Status))
		return
	}
	if f.Persona != "" && !f.Persona.Valid() {
		badRequest(w, fmt.Sprintf("unknown persona %q", f.Persona))
		return
	}
	items, err := s.cfg.Store.QueryContent(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []persistence.ContentItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": items, "count": len(items)})
}

type contentStatusRequest struct {
	Status  persistence.ContentStatus                            `json:"status"`
	Metrics map[persistence.Platform]persistence.PlatformOutcome `json:"performance_metrics"`
}

func (s *Server) handleContentStatus(w http.ResponseWriter, r *http.Request) {
	var req contentStatusRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	item, err := s.cfg.Scheduler.SetStatus(r.Context(), r.PathValue("id"), req.Status, req.Metrics)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Content status updated",
		"content": item,
	})
}

// --- analytics ---

type analyticsRequest struct {
	ContentID  string             `json:"content_id"`
	Platform   string             `json:"platform"`
	Metrics    map[string]float64 `json:"metrics"`
	RecordedAt time.Time          `json:"recorded_at"`
}

func (s *Server) handleRecordAnalytics(w http.ResponseWriter, r *http.Request) {
	var req analyticsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ContentID) == "" {
		badRequest(w, "Missing required field: content_id")
		return
	}
	platform, err := persistence.ParsePlatform(req.Platform)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.cfg.Store.RecordAnalytics(r.Context(), req.ContentID, platform, req.Metrics, req.RecordedAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":       "Analytics recorded successfully",
		"records_count": n,
	})
}

func (s *Server) handleListAnalytics(w http.ResponseWriter, r *http.Request) {
	samples, err := s.cfg.Store.ListAnalytics(r.Context(), r.PathValue("content_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if samples == nil {
		samples = []persistence.AnalyticsSample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"analytics": samples, "count": len(samples)})
}

// --- system ---

// StatusResponse is the body of GET /api/system/status.
type StatusResponse struct {
	SystemStatus      string                          `json:"system_status"`
	Timestamp         time.Time                       `json:"timestamp"`
	Statistics        persistence.SystemCounts        `json:"statistics"`
	ActiveAlerts      int                             `json:"active_alerts"`
	CircuitBreakers   map[persistence.Platform]string `json:"circuit_breakers,omitempty"`
	Schedules         []cron.Entry                    `json:"schedules,omitempty"`
	LastCollection    *CollectionInfo                 `json:"last_collection,omitempty"`
	ConfigFingerprint string                          `json:"config_fingerprint,omitempty"`
}

// CollectionInfo describes the most recent successful metrics cycle.
type CollectionInfo struct {
	Period       persistence.Period `json:"period"`
	CollectedAt  time.Time          `json:"collected_at"`
	AlertsRaised int                `json:"alerts_raised"`
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.cfg.Store.SystemCounts(ctx, time.Time{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	active, err := s.cfg.Store.CountActiveAlerts(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := StatusResponse{
		SystemStatus:      "healthy",
		Timestamp:         counts.At,
		Statistics:        counts,
		ConfigFingerprint: s.cfg.ConfigFingerprint,
	}
	for _, c := range active {
		resp.ActiveAlerts += c.Count
	}
	if resp.ActiveAlerts > 0 {
		resp.SystemStatus = "degraded"
	}
	if s.cfg.Scheduler != nil {
		resp.CircuitBreakers = s.cfg.Scheduler.BreakerStates()
	}
	if s.cfg.Schedules != nil {
		resp.Schedules = s.cfg.Schedules()
	}
	if s.cfg.Aggregator != nil {
		if snap, ok := s.cfg.Aggregator.Latest(); ok {
			resp.LastCollection = &CollectionInfo{
				Period:       snap.Period,
				CollectedAt:  snap.CollectedAt,
				AlertsRaised: snap.AlertsRaised,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthRequest struct {
	Component string                   `json:"component"`
	Status    persistence.HealthStatus `json:"status"`
	Message   string                   `json:"message"`
	Metrics   json.RawMessage          `json:"metrics"`
}

func (s *Server) handleSetHealth(w http.ResponseWriter, r *http.Request) {
	var req healthRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.cfg.Store.UpsertHealth(r.Context(), persistence.HealthRecord{
		Component: strings.TrimSpace(req.Component),
		Status:    req.Status,
		Message:   req.Message,
		Metrics:   req.Metrics,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "System health updated",
		"status":  rec,
	})
}

func (s *Server) handleListHealth(w http.ResponseWriter, r *http.Request) {
	recs, err := s.cfg.Store.ListHealth(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []persistence.HealthRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"components": recs, "count": len(recs)})
}

// --- dashboard ---

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", defaultWindowDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	window, err := s.cfg.Store.PerformanceWindow(r.Context(), days, time.Time{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, window)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", defaultWindowDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agg := s.cfg.Aggregator
	if agg == nil {
		agg = metrics.New(metrics.Config{Store: s.cfg.Store, Logger: s.logger})
	}
	summary, err := agg.PerformanceSummary(r.Context(), days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- alerts ---

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := persistence.AlertStatus(r.URL.Query().Get("status"))
	alerts, err := s.cfg.Alerts.List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.cfg.Alerts.Acknowledge(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Alert acknowledged", "alert": a})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.cfg.Alerts.Resolve(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Alert resolved", "alert": a})
}
