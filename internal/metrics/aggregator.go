// Package metrics periodically rolls the record store up into system
// samples and daily per-agent and per-platform aggregates, and hands each
// snapshot to the alert engine.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-agency/internal/alert"
	"github.com/basket/go-agency/internal/bus"
	otelpkg "github.com/basket/go-agency/internal/otel"
	"github.com/basket/go-agency/internal/persistence"
)

// HealthComponent is the system_health row the aggregator maintains.
const HealthComponent = "metrics_aggregator"

const sampleType = "system"

// Config holds the dependencies for the aggregator.
type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Alerts  *alert.Engine // optional; cycles skip evaluation without it
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

// Snapshot is the result of one collection.
type Snapshot struct {
	Period       persistence.Period                     `json:"period"`
	CollectedAt  time.Time                              `json:"collected_at"`
	Counts       persistence.SystemCounts               `json:"counts"`
	Agents       []persistence.AgentDailyPerformance    `json:"agent_performance"`
	Platforms    []persistence.PlatformDailyPerformance `json:"platform_performance"`
	AlertsRaised int                                    `json:"alerts_raised"`
}

// Aggregator collects rollups and keeps the latest snapshot in memory.
type Aggregator struct {
	store   *persistence.Store
	bus     *bus.Bus
	alerts  *alert.Engine
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelpkg.Metrics

	collect func(ctx context.Context, period persistence.Period, now time.Time) (Snapshot, error)

	mu     sync.RWMutex
	latest *Snapshot
}

// New creates an Aggregator with the given config.
func New(cfg Config) *Aggregator {
	a := &Aggregator{
		store:   cfg.Store,
		bus:     cfg.Bus,
		alerts:  cfg.Alerts,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.tracer == nil {
		a.tracer = otelpkg.NoopTracer()
	}
	if a.metrics == nil {
		a.metrics = otelpkg.NoopMetrics()
	}
	a.collect = a.Collect
	return a
}

// ActivityScore decays linearly from 1 at zero elapsed time to 0 after 24
// hours. A zero last activity scores 0.
func ActivityScore(last, now time.Time) float64 {
	if last.IsZero() {
		return 0
	}
	hours := now.Sub(last).Hours()
	if hours <= 0 {
		return 1
	}
	return max(0, 1-hours/24)
}

// Collect reads the current counts, appends one rollup sample per metric
// tagged with period, and upserts today's per-agent and per-platform rows.
// Re-running on the same day overwrites that day's rows.
func (a *Aggregator) Collect(ctx context.Context, period persistence.Period, now time.Time) (Snapshot, error) {
	if !period.Valid() {
		return Snapshot{}, persistence.Invalid("period", fmt.Sprintf("unknown period %q", period))
	}
	if now.IsZero() {
		now = a.store.Now()
	}
	now = now.UTC()

	counts, err := a.store.SystemCounts(ctx, now)
	if err != nil {
		return Snapshot{}, fmt.Errorf("collect counts: %w", err)
	}
	if err := a.store.InsertMetricSamples(ctx, rollup(counts, period, now)); err != nil {
		return Snapshot{}, fmt.Errorf("collect rollups: %w", err)
	}

	dayStart := now.Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	activity, err := a.store.AgentDailyActivity(ctx, dayStart, dayEnd)
	if err != nil {
		return Snapshot{}, fmt.Errorf("collect agent activity: %w", err)
	}
	agents := make([]persistence.AgentDailyPerformance, 0, len(activity))
	for _, row := range activity {
		perf := row.AgentDailyPerformance
		perf.ActivityScore = ActivityScore(row.LastActivity, now)
		agents = append(agents, perf)
	}
	if err := a.store.UpsertAgentPerformance(ctx, agents); err != nil {
		return Snapshot{}, fmt.Errorf("collect agent performance: %w", err)
	}

	platforms, err := a.store.PlatformDailyActivity(ctx, dayStart, dayEnd)
	if err != nil {
		return Snapshot{}, fmt.Errorf("collect platform activity: %w", err)
	}
	if platforms == nil {
		platforms = []persistence.PlatformDailyPerformance{}
	}
	if err := a.store.UpsertPlatformPerformance(ctx, platforms); err != nil {
		return Snapshot{}, fmt.Errorf("collect platform performance: %w", err)
	}

	snap := Snapshot{
		Period:      period,
		CollectedAt: now,
		Counts:      counts,
		Agents:      agents,
		Platforms:   platforms,
	}
	a.bus.Publish(bus.TopicMetricsCollected, bus.MetricsEvent{
		Period:      string(period),
		CollectedAt: now,
		Samples:     len(rollupNames),
	})
	return snap, nil
}

var rollupNames = []string{
	"total_agents",
	"active_agents",
	"total_content",
	"published_content",
	"scheduled_content",
	"draft_content",
	"failed_content",
	"pending_messages",
	"processed_messages",
	"recent_activity",
}

func rollup(c persistence.SystemCounts, period persistence.Period, at time.Time) []persistence.MetricSample {
	values := map[string]int{
		"total_agents":       c.Agents.Total,
		"active_agents":      c.Agents.Active,
		"total_content":      c.Content.Total,
		"published_content":  c.Content.Published,
		"scheduled_content":  c.Content.Scheduled,
		"draft_content":      c.Content.Draft,
		"failed_content":     c.Content.Failed,
		"pending_messages":   c.Messages.Pending,
		"processed_messages": c.Messages.Processed,
		"recent_activity":    c.Messages.RecentActivity,
	}
	out := make([]persistence.MetricSample, 0, len(rollupNames))
	for _, name := range rollupNames {
		out = append(out, persistence.MetricSample{
			Type:      sampleType,
			Name:      name,
			Value:     float64(values[name]),
			Timestamp: at,
			Period:    period,
		})
	}
	return out
}

// Cycle runs one collection followed by alert evaluation. A failed or
// panicking collection is turned into a system_error alert and returned;
// the next cycle runs normally.
func (a *Aggregator) Cycle(ctx context.Context, period persistence.Period) (Snapshot, error) {
	start := time.Now()
	ctx, span := otelpkg.StartSpan(ctx, a.tracer, "metrics.cycle", otelpkg.AttrPeriod.String(string(period)))
	defer span.End()

	snap, err := a.safeCollect(ctx, period)
	a.metrics.CycleDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otelpkg.AttrPeriod.String(string(period))))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "collection failed")
		a.logger.Error("metrics cycle failed", "period", period, "error", err)
		if a.alerts != nil {
			if _, alertErr := a.alerts.RaiseSystemError(ctx, err); alertErr != nil {
				a.logger.Error("raise system error alert failed", "error", alertErr)
			}
		}
		a.recordHealth(ctx, persistence.HealthError, err.Error(), nil)
		return Snapshot{}, err
	}

	if a.alerts != nil {
		raised, alertErr := a.alerts.Process(ctx, snap.Counts)
		snap.AlertsRaised = len(raised)
		if alertErr != nil {
			a.logger.Error("alert evaluation failed", "period", period, "error", alertErr)
		}
	}

	a.mu.Lock()
	a.latest = &snap
	a.mu.Unlock()

	status := persistence.HealthHealthy
	if snap.AlertsRaised > 0 {
		status = persistence.HealthWarning
	}
	a.recordHealth(ctx, status, fmt.Sprintf("%s collection ok", period), map[string]any{
		"alerts_raised": snap.AlertsRaised,
		"agents":        len(snap.Agents),
		"platforms":     len(snap.Platforms),
	})
	a.logger.Info("metrics cycle complete",
		"period", period,
		"agents", snap.Counts.Agents.Total,
		"content", snap.Counts.Content.Total,
		"pending_messages", snap.Counts.Messages.Pending,
		"alerts_raised", snap.AlertsRaised,
	)
	return snap, nil
}

func (a *Aggregator) safeCollect(ctx context.Context, period persistence.Period) (snap Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("metrics collection panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("metrics collection panic: %v", r)
		}
	}()
	var now time.Time
	if a.store != nil {
		now = a.store.Now()
	}
	return a.collect(ctx, period, now)
}

func (a *Aggregator) recordHealth(ctx context.Context, status persistence.HealthStatus, msg string, details map[string]any) {
	if a.store == nil {
		return
	}
	var raw json.RawMessage
	if details != nil {
		encoded, err := json.Marshal(details)
		if err == nil {
			raw = encoded
		}
	}
	if _, err := a.store.UpsertHealth(ctx, persistence.HealthRecord{
		Component: HealthComponent,
		Status:    status,
		Message:   msg,
		Metrics:   raw,
	}); err != nil {
		a.logger.Warn("record aggregator health failed", "error", err)
	}
}

// Latest returns the snapshot from the most recent successful cycle.
func (a *Aggregator) Latest() (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return Snapshot{}, false
	}
	return *a.latest, true
}

// PerformanceSummary reports persona and platform aggregates for daily rows
// within the trailing days, the newest system rollups and active alert counts.
func (a *Aggregator) PerformanceSummary(ctx context.Context, days int) (persistence.PerformanceSummary, error) {
	if days <= 0 {
		return persistence.PerformanceSummary{}, persistence.Invalid("days", "must be positive")
	}
	since := persistence.DateKey(a.store.Now().AddDate(0, 0, -days))
	return a.store.PerformanceSummary(ctx, since)
}
