package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// RecordAnalytics appends one sample per metric for a content item on a
// platform and returns how many were written. Unknown content yields ErrNotFound.
func (s *Store) RecordAnalytics(ctx context.Context, contentID string, platform Platform, metrics map[string]float64, at time.Time) (int, error) {
	if !platform.Valid() {
		return 0, Invalid("platform", "unknown platform "+quote(string(platform)))
	}
	if len(metrics) == 0 {
		return 0, Invalid("metrics", "at least one metric is required")
	}
	names := make([]string, 0, len(metrics))
	for name, v := range metrics {
		if name == "" {
			return 0, Invalid("metrics", "metric names must be non-empty")
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, Invalid("metrics", "metric "+quote(name)+" is not a finite number")
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if at.IsZero() {
		at = s.now()
	}

	err := s.withTx(ctx, "record analytics", func(tx *sql.Tx) error {
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM content_items WHERE id = ?;`, contentID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("content %q: %w", contentID, ErrNotFound)
			}
			return fmt.Errorf("lookup content: %w", err)
		}
		for _, name := range names {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO platform_analytics (content_id, platform, metric_name, metric_value, recorded_at)
				VALUES (?, ?, ?, ?, ?);
			`, contentID, platform, name, metrics[name], at.UTC()); err != nil {
				return fmt.Errorf("insert analytics sample: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// ListAnalytics returns every sample recorded for a content item, oldest first.
func (s *Store) ListAnalytics(ctx context.Context, contentID string) ([]AnalyticsSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_id, platform, metric_name, metric_value, recorded_at
		FROM platform_analytics
		WHERE content_id = ?
		ORDER BY recorded_at ASC, id ASC;
	`, contentID)
	if err != nil {
		return nil, fmt.Errorf("list analytics: %w", err)
	}
	defer rows.Close()
	var out []AnalyticsSample
	for rows.Next() {
		var a AnalyticsSample
		if err := rows.Scan(&a.ID, &a.ContentID, &a.Platform, &a.MetricName, &a.Value, &a.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan analytics: %w", err)
		}
		a.RecordedAt = a.RecordedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list analytics: iterate: %w", err)
	}
	return out, nil
}
