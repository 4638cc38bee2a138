package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AgentCounts is the agent breakdown by status.
type AgentCounts struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}

// SystemCounts is a point-in-time snapshot of the whole store.
type SystemCounts struct {
	Agents   AgentCounts   `json:"agents"`
	Content  ContentCounts `json:"content"`
	Messages MessageCounts `json:"messages"`
	At       time.Time     `json:"timestamp"`
}

// CountAgents tallies agents by status.
func (s *Store) CountAgents(ctx context.Context) (AgentCounts, error) {
	var c AgentCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0)
		FROM agents;
	`).Scan(&c.Total, &c.Active)
	if err != nil {
		return AgentCounts{}, fmt.Errorf("count agents: %w", err)
	}
	c.Inactive = c.Total - c.Active
	return c, nil
}

// SystemCounts reads agent, content and message counts at now. Recent
// activity covers messages created in the trailing 24 hours.
func (s *Store) SystemCounts(ctx context.Context, now time.Time) (SystemCounts, error) {
	if now.IsZero() {
		now = s.now()
	}
	agents, err := s.CountAgents(ctx)
	if err != nil {
		return SystemCounts{}, err
	}
	content, err := s.CountContent(ctx)
	if err != nil {
		return SystemCounts{}, err
	}
	messages, err := s.CountMessages(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return SystemCounts{}, err
	}
	return SystemCounts{Agents: agents, Content: content, Messages: messages, At: now.UTC()}, nil
}

// InsertMetricSamples appends rollup samples in one transaction.
func (s *Store) InsertMetricSamples(ctx context.Context, samples []MetricSample) error {
	return s.withTx(ctx, "insert metric samples", func(tx *sql.Tx) error {
		for _, m := range samples {
			if !m.Period.Valid() {
				return Invalid("period", "unknown period "+quote(string(m.Period)))
			}
			dims := "{}"
			if len(m.Dimensions) > 0 {
				raw, err := encodeJSON(m.Dimensions)
				if err != nil {
					return fmt.Errorf("encode dimensions: %w", err)
				}
				dims = raw
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO performance_metrics (metric_type, metric_name, metric_value, dimensions, timestamp, period)
				VALUES (?, ?, ?, ?, ?, ?);
			`, m.Type, m.Name, m.Value, dims, m.Timestamp.UTC(), m.Period); err != nil {
				return fmt.Errorf("insert metric sample %s: %w", m.Name, err)
			}
		}
		return nil
	})
}

// ListMetricSamples returns the newest samples for a metric name, newest first.
// An empty period matches every period.
func (s *Store) ListMetricSamples(ctx context.Context, name string, period Period, limit int) ([]MetricSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, metric_type, metric_name, metric_value, dimensions, timestamp, period
		FROM performance_metrics
		WHERE metric_name = ? AND (? = '' OR period = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?;
	`, name, string(period), string(period), clampLimit(limit, DefaultContentLimit, MaxContentLimit))
	if err != nil {
		return nil, fmt.Errorf("list metric samples: %w", err)
	}
	defer rows.Close()
	var out []MetricSample
	for rows.Next() {
		var m MetricSample
		var dims string
		if err := rows.Scan(&m.ID, &m.Type, &m.Name, &m.Value, &dims, &m.Timestamp, &m.Period); err != nil {
			return nil, fmt.Errorf("scan metric sample: %w", err)
		}
		if err := json.Unmarshal([]byte(dims), &m.Dimensions); err != nil {
			return nil, fmt.Errorf("decode dimensions: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list metric samples: iterate: %w", err)
	}
	return out, nil
}

// AgentDayActivity is the raw per-agent activity for a day window, before
// the activity score is applied.
type AgentDayActivity struct {
	AgentDailyPerformance
	LastActivity time.Time
}

// AgentDailyActivity computes per-agent counters for [start, end).
func (s *Store) AgentDailyActivity(ctx context.Context, start, end time.Time) ([]AgentDayActivity, error) {
	start, end = start.UTC(), end.UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.agent_id, a.persona, a.last_activity,
			(SELECT COUNT(1) FROM content_items c
				WHERE c.creator_agent_id = a.agent_id AND c.created_at >= ? AND c.created_at < ?),
			(SELECT COUNT(1) FROM content_items c
				WHERE c.creator_agent_id = a.agent_id AND c.status = 'published'
				AND c.published_at >= ? AND c.published_at < ?),
			(SELECT COUNT(1) FROM agent_messages m
				WHERE m.sender_agent_id = a.agent_id AND m.created_at >= ? AND m.created_at < ?),
			(SELECT COUNT(1) FROM agent_messages m
				WHERE m.receiver_agent_id = a.agent_id AND m.status = 'processed'
				AND m.processed_at >= ? AND m.processed_at < ?)
		FROM agents a
		ORDER BY a.agent_id ASC;
	`, start, end, start, end, start, end, start, end)
	if err != nil {
		return nil, fmt.Errorf("agent daily activity: %w", err)
	}
	defer rows.Close()
	date := DateKey(start)
	var out []AgentDayActivity
	for rows.Next() {
		var a AgentDayActivity
		if err := rows.Scan(&a.AgentID, &a.Persona, &a.LastActivity,
			&a.ContentCreated, &a.ContentPublished, &a.MessagesSent, &a.MessagesProcessed); err != nil {
			return nil, fmt.Errorf("agent daily activity: scan: %w", err)
		}
		a.Date = date
		a.LastActivity = a.LastActivity.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent daily activity: iterate: %w", err)
	}
	return out, nil
}

// UpsertAgentPerformance writes per-agent daily rows keyed by (agent, date).
func (s *Store) UpsertAgentPerformance(ctx context.Context, rows []AgentDailyPerformance) error {
	now := s.now()
	return s.withTx(ctx, "upsert agent performance", func(tx *sql.Tx) error {
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agent_performance (agent_id, persona, date, content_created, content_published,
					messages_sent, messages_processed, activity_score, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(agent_id, date) DO UPDATE SET
					persona = excluded.persona,
					content_created = excluded.content_created,
					content_published = excluded.content_published,
					messages_sent = excluded.messages_sent,
					messages_processed = excluded.messages_processed,
					activity_score = excluded.activity_score,
					updated_at = excluded.updated_at;
			`, r.AgentID, r.Persona, r.Date, r.ContentCreated, r.ContentPublished,
				r.MessagesSent, r.MessagesProcessed, r.ActivityScore, now); err != nil {
				return fmt.Errorf("upsert agent performance %s/%s: %w", r.AgentID, r.Date, err)
			}
		}
		return nil
	})
}

// ListAgentPerformance returns per-agent rows for one date.
func (s *Store) ListAgentPerformance(ctx context.Context, date string) ([]AgentDailyPerformance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, persona, date, content_created, content_published,
			messages_sent, messages_processed, activity_score
		FROM agent_performance WHERE date = ? ORDER BY agent_id ASC;
	`, date)
	if err != nil {
		return nil, fmt.Errorf("list agent performance: %w", err)
	}
	defer rows.Close()
	var out []AgentDailyPerformance
	for rows.Next() {
		var r AgentDailyPerformance
		if err := rows.Scan(&r.AgentID, &r.Persona, &r.Date, &r.ContentCreated, &r.ContentPublished,
			&r.MessagesSent, &r.MessagesProcessed, &r.ActivityScore); err != nil {
			return nil, fmt.Errorf("list agent performance: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agent performance: iterate: %w", err)
	}
	return out, nil
}

// PlatformDailyActivity derives per-platform aggregates from analytics
// samples recorded in [start, end): distinct content, summed views and the
// mean engagement rate.
func (s *Store) PlatformDailyActivity(ctx context.Context, start, end time.Time) ([]PlatformDailyPerformance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform,
			COUNT(DISTINCT content_id),
			COALESCE(SUM(CASE WHEN metric_name = 'views' THEN metric_value END), 0),
			COALESCE(AVG(CASE WHEN metric_name = 'engagement_rate' THEN metric_value END), 0)
		FROM platform_analytics
		WHERE recorded_at >= ? AND recorded_at < ?
		GROUP BY platform
		ORDER BY platform ASC;
	`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("platform daily activity: %w", err)
	}
	defer rows.Close()
	date := DateKey(start)
	var out []PlatformDailyPerformance
	for rows.Next() {
		p := PlatformDailyPerformance{Date: date}
		if err := rows.Scan(&p.Platform, &p.ContentCount, &p.TotalViews, &p.AvgEngagementRate); err != nil {
			return nil, fmt.Errorf("platform daily activity: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("platform daily activity: iterate: %w", err)
	}
	return out, nil
}

// UpsertPlatformPerformance writes per-platform daily rows keyed by (platform, date).
func (s *Store) UpsertPlatformPerformance(ctx context.Context, rows []PlatformDailyPerformance) error {
	now := s.now()
	return s.withTx(ctx, "upsert platform performance", func(tx *sql.Tx) error {
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO platform_performance (platform, date, content_count, total_views, avg_engagement_rate, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(platform, date) DO UPDATE SET
					content_count = excluded.content_count,
					total_views = excluded.total_views,
					avg_engagement_rate = excluded.avg_engagement_rate,
					updated_at = excluded.updated_at;
			`, r.Platform, r.Date, r.ContentCount, r.TotalViews, r.AvgEngagementRate, now); err != nil {
				return fmt.Errorf("upsert platform performance %s/%s: %w", r.Platform, r.Date, err)
			}
		}
		return nil
	})
}

// ListPlatformPerformance returns per-platform rows for one date.
func (s *Store) ListPlatformPerformance(ctx context.Context, date string) ([]PlatformDailyPerformance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, date, content_count, total_views, avg_engagement_rate
		FROM platform_performance WHERE date = ? ORDER BY platform ASC;
	`, date)
	if err != nil {
		return nil, fmt.Errorf("list platform performance: %w", err)
	}
	defer rows.Close()
	var out []PlatformDailyPerformance
	for rows.Next() {
		var r PlatformDailyPerformance
		if err := rows.Scan(&r.Platform, &r.Date, &r.ContentCount, &r.TotalViews, &r.AvgEngagementRate); err != nil {
			return nil, fmt.Errorf("list platform performance: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list platform performance: iterate: %w", err)
	}
	return out, nil
}
