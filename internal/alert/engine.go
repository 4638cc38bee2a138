package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-agency/internal/bus"
	otelpkg "github.com/basket/go-agency/internal/otel"
	"github.com/basket/go-agency/internal/persistence"
)

// Config holds the dependencies for the alert engine.
type Config struct {
	Store      *persistence.Store
	Bus        *bus.Bus
	Logger     *slog.Logger
	Metrics    *otelpkg.Metrics
	Thresholds *Thresholds // nil means DefaultThresholds
}

// Engine raises alerts from counts and moves them through their lifecycle.
type Engine struct {
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otelpkg.Metrics

	mu         sync.RWMutex
	thresholds Thresholds
}

// NewEngine creates an Engine with the given config.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		store:      cfg.Store,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		thresholds: DefaultThresholds(),
	}
	if cfg.Thresholds != nil {
		e.thresholds = *cfg.Thresholds
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = otelpkg.NoopMetrics()
	}
	return e
}

// Thresholds returns the thresholds currently in effect.
func (e *Engine) Thresholds() Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

// SetThresholds swaps the thresholds used by later evaluations.
func (e *Engine) SetThresholds(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	old := e.thresholds
	e.thresholds = th
	e.mu.Unlock()
	if old != th {
		e.logger.Info("alert thresholds updated",
			"min_agent_activity", th.MinAgentActivity,
			"min_publish_rate", th.MinPublishRate,
			"max_pending_messages", th.MaxPendingMessages,
		)
	}
	return nil
}

// Process evaluates counts and persists one alert per candidate. Every
// evaluation that crosses a threshold raises a new row.
func (e *Engine) Process(ctx context.Context, counts persistence.SystemCounts) ([]persistence.Alert, error) {
	candidates := Evaluate(counts, e.Thresholds())
	raised := make([]persistence.Alert, 0, len(candidates))
	for _, c := range candidates {
		a, err := e.Raise(ctx, c)
		if err != nil {
			return raised, err
		}
		raised = append(raised, a)
	}
	return raised, nil
}

// Raise persists a candidate as a new active alert.
func (e *Engine) Raise(ctx context.Context, c Candidate) (persistence.Alert, error) {
	details, err := json.Marshal(c.Details)
	if err != nil {
		return persistence.Alert{}, fmt.Errorf("encode alert details: %w", err)
	}
	a, err := e.store.InsertAlert(ctx, persistence.Alert{
		Type:     c.Type,
		Severity: c.Severity,
		Message:  c.Message,
		Details:  details,
	})
	if err != nil {
		return persistence.Alert{}, fmt.Errorf("raise %s alert: %w", c.Type, err)
	}

	e.metrics.AlertsRaised.Add(ctx, 1, metric.WithAttributes(
		otelpkg.AttrAlertType.String(a.Type),
		otelpkg.AttrSeverity.String(string(a.Severity)),
	))
	e.logger.Warn("alert raised", "alert_id", a.ID, "alert_type", a.Type, "severity", a.Severity, "message", a.Message)
	e.publish(bus.TopicAlertRaised, a)
	return a, nil
}

// RaiseSystemError records a failed monitoring cycle as a high severity alert.
func (e *Engine) RaiseSystemError(ctx context.Context, cause error) (persistence.Alert, error) {
	return e.Raise(ctx, SystemError(cause))
}

// Acknowledge moves an active alert to acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, id int64) (persistence.Alert, error) {
	a, err := e.store.TransitionAlert(ctx, id,
		[]persistence.AlertStatus{persistence.AlertStatusActive},
		persistence.AlertStatusAcknowledged)
	if err != nil {
		return persistence.Alert{}, err
	}
	e.logger.Info("alert acknowledged", "alert_id", id)
	e.publish(bus.TopicAlertAcknowledged, a)
	return a, nil
}

// Resolve closes an active or acknowledged alert. Resolved is terminal.
func (e *Engine) Resolve(ctx context.Context, id int64) (persistence.Alert, error) {
	a, err := e.store.TransitionAlert(ctx, id,
		[]persistence.AlertStatus{persistence.AlertStatusActive, persistence.AlertStatusAcknowledged},
		persistence.AlertStatusResolved)
	if err != nil {
		return persistence.Alert{}, err
	}
	e.logger.Info("alert resolved", "alert_id", id)
	e.publish(bus.TopicAlertResolved, a)
	return a, nil
}

// List returns alerts newest first, optionally filtered by status.
func (e *Engine) List(ctx context.Context, status persistence.AlertStatus, limit int) ([]persistence.Alert, error) {
	if status != "" && !status.Valid() {
		return nil, persistence.Invalid("status", fmt.Sprintf("unknown alert status %q", status))
	}
	if limit < 0 {
		return nil, persistence.Invalid("limit", "must not be negative")
	}
	alerts, err := e.store.ListAlerts(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []persistence.Alert{}
	}
	return alerts, nil
}

// Get returns one alert or persistence.ErrNotFound.
func (e *Engine) Get(ctx context.Context, id int64) (persistence.Alert, error) {
	return e.store.GetAlert(ctx, id)
}

func (e *Engine) publish(topic string, a persistence.Alert) {
	e.bus.Publish(topic, bus.AlertEvent{
		AlertID:  a.ID,
		Type:     a.Type,
		Severity: string(a.Severity),
		Status:   string(a.Status),
		Message:  a.Message,
	})
}
