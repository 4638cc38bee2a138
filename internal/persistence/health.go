package persistence

import (
	"context"
	"fmt"
	"time"
)

// UpsertHealth writes the latest check result for a component, replacing any
// earlier row for the same component.
func (s *Store) UpsertHealth(ctx context.Context, h HealthRecord) (HealthRecord, error) {
	if h.Component == "" {
		return HealthRecord{}, Invalid("component", "required")
	}
	if !h.Status.Valid() {
		return HealthRecord{}, Invalid("status", "unknown health status "+quote(string(h.Status)))
	}
	if h.LastCheck.IsZero() {
		h.LastCheck = s.now()
	}
	h.LastCheck = h.LastCheck.UTC()
	h.Metrics = []byte(rawOrEmpty(h.Metrics))

	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO system_health (component, status, message, metrics, last_check)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(component) DO UPDATE SET
				status = excluded.status,
				message = excluded.message,
				metrics = excluded.metrics,
				last_check = excluded.last_check;
		`, h.Component, h.Status, h.Message, string(h.Metrics), h.LastCheck)
		return err
	})
	if err != nil {
		return HealthRecord{}, fmt.Errorf("upsert health: %w", err)
	}
	return h, nil
}

// ListHealth returns one record per component, ordered by name.
func (s *Store) ListHealth(ctx context.Context) ([]HealthRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component, status, message, metrics, last_check
		FROM system_health ORDER BY component ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list health: %w", err)
	}
	defer rows.Close()
	var out []HealthRecord
	for rows.Next() {
		var h HealthRecord
		var metrics string
		var lastCheck time.Time
		if err := rows.Scan(&h.Component, &h.Status, &h.Message, &metrics, &lastCheck); err != nil {
			return nil, fmt.Errorf("scan health: %w", err)
		}
		h.Metrics = []byte(metrics)
		h.LastCheck = lastCheck.UTC()
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list health: iterate: %w", err)
	}
	return out, nil
}
