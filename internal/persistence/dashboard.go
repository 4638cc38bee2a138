package persistence

import (
	"context"
	"fmt"
	"time"
)

// PersonaPerformance is content volume and publish rate for one persona.
type PersonaPerformance struct {
	Persona      Persona `json:"persona"`
	ContentCount int     `json:"content_count"`
	Published    int     `json:"published_count"`
	PublishRate  float64 `json:"publish_rate"`
}

// PlatformMetricSummary averages one analytics metric on one platform.
type PlatformMetricSummary struct {
	Platform    Platform `json:"platform"`
	MetricName  string   `json:"metric_name"`
	AvgValue    float64  `json:"avg_value"`
	RecordCount int      `json:"record_count"`
}

// AgentActivity counts messages sent by one agent.
type AgentActivity struct {
	AgentID      string `json:"sender_agent_id"`
	MessageCount int    `json:"message_count"`
}

// PerformanceWindow aggregates activity over the trailing window.
type PerformanceWindow struct {
	Days               int                     `json:"days"`
	Since              time.Time               `json:"since"`
	PersonaPerformance []PersonaPerformance    `json:"persona_performance"`
	PlatformAnalytics  []PlatformMetricSummary `json:"platform_analytics"`
	AgentActivity      []AgentActivity         `json:"agent_activity"`
}

// PerformanceWindow reads persona, platform and agent aggregates for the
// trailing `days` days ending at now.
func (s *Store) PerformanceWindow(ctx context.Context, days int, now time.Time) (PerformanceWindow, error) {
	if days <= 0 {
		return PerformanceWindow{}, Invalid("days", "must be positive")
	}
	if now.IsZero() {
		now = s.now()
	}
	since := now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
	w := PerformanceWindow{
		Days:               days,
		Since:              since,
		PersonaPerformance: []PersonaPerformance{},
		PlatformAnalytics:  []PlatformMetricSummary{},
		AgentActivity:      []AgentActivity{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT persona, COUNT(1),
			COALESCE(SUM(CASE WHEN status = 'published' THEN 1 ELSE 0 END), 0)
		FROM content_items
		WHERE created_at >= ?
		GROUP BY persona
		ORDER BY persona ASC;
	`, since)
	if err != nil {
		return PerformanceWindow{}, fmt.Errorf("persona performance: %w", err)
	}
	for rows.Next() {
		var p PersonaPerformance
		if err := rows.Scan(&p.Persona, &p.ContentCount, &p.Published); err != nil {
			rows.Close()
			return PerformanceWindow{}, fmt.Errorf("persona performance: scan: %w", err)
		}
		if p.ContentCount > 0 {
			p.PublishRate = float64(p.Published) / float64(p.ContentCount)
		}
		w.PersonaPerformance = append(w.PersonaPerformance, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return PerformanceWindow{}, fmt.Errorf("persona performance: iterate: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT platform, metric_name, AVG(metric_value), COUNT(1)
		FROM platform_analytics
		WHERE recorded_at >= ?
		GROUP BY platform, metric_name
		ORDER BY platform ASC, metric_name ASC;
	`, since)
	if err != nil {
		return PerformanceWindow{}, fmt.Errorf("platform analytics: %w", err)
	}
	for rows.Next() {
		var p PlatformMetricSummary
		if err := rows.Scan(&p.Platform, &p.MetricName, &p.AvgValue, &p.RecordCount); err != nil {
			rows.Close()
			return PerformanceWindow{}, fmt.Errorf("platform analytics: scan: %w", err)
		}
		w.PlatformAnalytics = append(w.PlatformAnalytics, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return PerformanceWindow{}, fmt.Errorf("platform analytics: iterate: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT sender_agent_id, COUNT(1)
		FROM agent_messages
		WHERE created_at >= ?
		GROUP BY sender_agent_id
		ORDER BY COUNT(1) DESC, sender_agent_id ASC;
	`, since)
	if err != nil {
		return PerformanceWindow{}, fmt.Errorf("agent activity: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a AgentActivity
		if err := rows.Scan(&a.AgentID, &a.MessageCount); err != nil {
			return PerformanceWindow{}, fmt.Errorf("agent activity: scan: %w", err)
		}
		w.AgentActivity = append(w.AgentActivity, a)
	}
	if err := rows.Err(); err != nil {
		return PerformanceWindow{}, fmt.Errorf("agent activity: iterate: %w", err)
	}
	return w, nil
}

// PersonaRollup sums daily agent rows per persona.
type PersonaRollup struct {
	Persona          Persona `json:"persona"`
	ContentCreated   int     `json:"content_created"`
	ContentPublished int     `json:"content_published"`
	AvgActivityScore float64 `json:"avg_activity_score"`
}

// PlatformRollup sums daily platform rows per platform.
type PlatformRollup struct {
	Platform          Platform `json:"platform"`
	ContentCount      int      `json:"content_count"`
	TotalViews        float64  `json:"total_views"`
	AvgEngagementRate float64  `json:"avg_engagement_rate"`
}

// PerformanceSummary combines the latest rollups, daily aggregates since a
// date and the active alert breakdown.
type PerformanceSummary struct {
	SinceDate     string             `json:"since_date"`
	SystemMetrics map[string]float64 `json:"system_metrics"`
	Personas      []PersonaRollup    `json:"agent_performance"`
	Platforms     []PlatformRollup   `json:"platform_performance"`
	ActiveAlerts  []AlertCount       `json:"active_alerts"`
}

// PerformanceSummary reads the summary for daily rows dated on or after sinceDate.
func (s *Store) PerformanceSummary(ctx context.Context, sinceDate string) (PerformanceSummary, error) {
	out := PerformanceSummary{
		SinceDate:     sinceDate,
		SystemMetrics: map[string]float64{},
		Personas:      []PersonaRollup{},
		Platforms:     []PlatformRollup{},
		ActiveAlerts:  []AlertCount{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.metric_name, p.metric_value
		FROM performance_metrics p
		WHERE p.metric_type = 'system' AND p.id = (
			SELECT MAX(id) FROM performance_metrics q
			WHERE q.metric_type = 'system' AND q.metric_name = p.metric_name
		);
	`)
	if err != nil {
		return PerformanceSummary{}, fmt.Errorf("summary system metrics: %w", err)
	}
	for rows.Next() {
		var name string
		var v float64
		if err := rows.Scan(&name, &v); err != nil {
			rows.Close()
			return PerformanceSummary{}, fmt.Errorf("summary system metrics: scan: %w", err)
		}
		out.SystemMetrics[name] = v
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT persona, SUM(content_created), SUM(content_published), AVG(activity_score)
		FROM agent_performance WHERE date >= ?
		GROUP BY persona ORDER BY persona ASC;
	`, sinceDate)
	if err != nil {
		return PerformanceSummary{}, fmt.Errorf("summary personas: %w", err)
	}
	for rows.Next() {
		var p PersonaRollup
		if err := rows.Scan(&p.Persona, &p.ContentCreated, &p.ContentPublished, &p.AvgActivityScore); err != nil {
			rows.Close()
			return PerformanceSummary{}, fmt.Errorf("summary personas: scan: %w", err)
		}
		out.Personas = append(out.Personas, p)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT platform, SUM(content_count), SUM(total_views), AVG(avg_engagement_rate)
		FROM platform_performance WHERE date >= ?
		GROUP BY platform ORDER BY platform ASC;
	`, sinceDate)
	if err != nil {
		return PerformanceSummary{}, fmt.Errorf("summary platforms: %w", err)
	}
	for rows.Next() {
		var p PlatformRollup
		if err := rows.Scan(&p.Platform, &p.ContentCount, &p.TotalViews, &p.AvgEngagementRate); err != nil {
			rows.Close()
			return PerformanceSummary{}, fmt.Errorf("summary platforms: scan: %w", err)
		}
		out.Platforms = append(out.Platforms, p)
	}
	rows.Close()

	alerts, err := s.CountActiveAlerts(ctx)
	if err != nil {
		return PerformanceSummary{}, err
	}
	if alerts != nil {
		out.ActiveAlerts = alerts
	}
	return out, nil
}
