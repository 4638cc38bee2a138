// Package gateway exposes the agency's operations over HTTP, plus a
// WebSocket stream of bus events and a Prometheus scrape endpoint.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-agency/internal/agent"
	"github.com/basket/go-agency/internal/alert"
	"github.com/basket/go-agency/internal/bus"
	"github.com/basket/go-agency/internal/cron"
	"github.com/basket/go-agency/internal/metrics"
	otelpkg "github.com/basket/go-agency/internal/otel"
	"github.com/basket/go-agency/internal/persistence"
	"github.com/basket/go-agency/internal/router"
	"github.com/basket/go-agency/internal/scheduler"
)

const defaultMaxBodyBytes = 1 << 20

type Config struct {
	Store      *persistence.Store
	Registry   *agent.Registry
	Router     *router.Router
	Scheduler  *scheduler.Scheduler
	Alerts     *alert.Engine
	Aggregator *metrics.Aggregator
	Bus        *bus.Bus
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otelpkg.Metrics

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Schedules reports cron entries for /api/system/status. Optional.
	Schedules func() []cron.Entry

	// AllowOrigins controls accepted Origin headers for browser WS connections
	// and CORS. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, reported in status.
	ConfigFingerprint string

	MaxBodyBytes int64
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelpkg.Metrics
	started time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
		started: time.Now().UTC(),
		clients: map[*client]struct{}{},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otelpkg.NoopTracer()
	}
	if s.metrics == nil {
		s.metrics = otelpkg.NoopMetrics()
	}
	if s.cfg.MaxBodyBytes <= 0 {
		s.cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	s.route(mux, "POST /api/agents", s.handleRegisterAgent)
	s.route(mux, "GET /api/agents", s.handleListAgents)
	s.route(mux, "GET /api/agents/{id}", s.handleGetAgent)
	s.route(mux, "PUT /api/agents/{id}/status", s.handleAgentStatus)

	s.route(mux, "POST /api/messages", s.handleSendMessage)
	s.route(mux, "GET /api/messages/{agent_id}", s.handlePollMessages)
	s.route(mux, "PUT /api/messages/{id}/process", s.handleProcessMessage)
	s.route(mux, "PUT /api/messages/{id}/fail", s.handleFailMessage)

	s.route(mux, "POST /api/content", s.handleSubmitContent)
	s.route(mux, "GET /api/content", s.handleQueryContent)
	s.route(mux, "PUT /api/content/{id}/status", s.handleContentStatus)

	s.route(mux, "POST /api/analytics", s.handleRecordAnalytics)
	s.route(mux, "GET /api/analytics/{content_id}", s.handleListAnalytics)

	s.route(mux, "GET /api/system/status", s.handleSystemStatus)
	s.route(mux, "GET /api/system/health", s.handleListHealth)
	s.route(mux, "POST /api/system/health", s.handleSetHealth)

	s.route(mux, "GET /api/dashboard/performance", s.handlePerformance)
	s.route(mux, "GET /api/dashboard/summary", s.handleSummary)

	s.route(mux, "GET /api/alerts", s.handleListAlerts)
	s.route(mux, "PUT /api/alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
	s.route(mux, "PUT /api/alerts/{id}/resolve", s.handleResolveAlert)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

// route registers an API handler wrapped in request instrumentation.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(pattern, h))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := true
	if err := s.cfg.Store.DB().PingContext(ctx); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"ws_clients":     s.clientCount(),
	}
	if dbOK && s.cfg.Router != nil {
		if backlog, err := s.cfg.Router.Backlog(ctx); err == nil {
			payload["pending_messages"] = backlog
		} else {
			s.logger.WarnContext(ctx, "healthz: message backlog unavailable", "error", err)
		}
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}
