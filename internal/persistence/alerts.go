package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
)

const alertColumns = `id, alert_type, severity, message, details, status, created_at, acknowledged_at, resolved_at`

func scanAlert(scanFn func(dest ...any) error, a *Alert) error {
	var details string
	var ackAt, resolvedAt sql.NullTime
	if err := scanFn(&a.ID, &a.Type, &a.Severity, &a.Message, &details, &a.Status,
		&a.CreatedAt, &ackAt, &resolvedAt); err != nil {
		return err
	}
	a.Details = []byte(details)
	a.CreatedAt = a.CreatedAt.UTC()
	a.AcknowledgedAt = timePtr(ackAt)
	a.ResolvedAt = timePtr(resolvedAt)
	return nil
}

// InsertAlert stores a new active alert.
func (s *Store) InsertAlert(ctx context.Context, a Alert) (Alert, error) {
	if !a.Severity.Valid() {
		return Alert{}, Invalid("severity", "unknown severity "+quote(string(a.Severity)))
	}
	if a.Type == "" {
		return Alert{}, Invalid("alert_type", "required")
	}
	a.Status = AlertStatusActive
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	a.Details = []byte(rawOrEmpty(a.Details))
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO system_alerts (alert_type, severity, message, details, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, a.Type, a.Severity, a.Message, string(a.Details), a.Status, a.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		a.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert alert: last id: %w", err)
		}
		return nil
	})
	if err != nil {
		return Alert{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// GetAlert returns one alert or ErrNotFound.
func (s *Store) GetAlert(ctx context.Context, id int64) (Alert, error) {
	var a Alert
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM system_alerts WHERE id = ?;`, id)
	if err := scanAlert(row.Scan, &a); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Alert{}, fmt.Errorf("alert %d: %w", id, ErrNotFound)
		}
		return Alert{}, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns alerts newest first. An empty status lists all.
func (s *Store) ListAlerts(ctx context.Context, status AlertStatus, limit int) ([]Alert, error) {
	q := `SELECT ` + alertColumns + ` FROM system_alerts`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, clampLimit(limit, DefaultContentLimit, MaxContentLimit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var out []Alert
	for rows.Next() {
		var a Alert
		if err := scanAlert(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list alerts: iterate: %w", err)
	}
	return out, nil
}

// TransitionAlert moves an alert to status `to` if its current status is in
// `from`. Resolved alerts never move again.
func (s *Store) TransitionAlert(ctx context.Context, id int64, from []AlertStatus, to AlertStatus) (Alert, error) {
	now := s.now()
	var out Alert
	err := s.withTx(ctx, "transition alert", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM system_alerts WHERE id = ?;`, id)
		if err := scanAlert(row.Scan, &out); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("alert %d: %w", id, ErrNotFound)
			}
			return fmt.Errorf("get alert: %w", err)
		}
		if !slices.Contains(from, out.Status) {
			return Invalid("status", fmt.Sprintf("alert %d is %s and cannot become %s", id, out.Status, to))
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE system_alerts
			SET status = ?,
				acknowledged_at = CASE WHEN ? = 'acknowledged' THEN ? ELSE acknowledged_at END,
				resolved_at = CASE WHEN ? = 'resolved' THEN ? ELSE resolved_at END
			WHERE id = ? AND status = ?;
		`, to, string(to), now, string(to), now, id, out.Status)
		if err != nil {
			return fmt.Errorf("transition alert: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return Invalid("status", "alert changed concurrently")
		}
		row = tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM system_alerts WHERE id = ?;`, id)
		return scanAlert(row.Scan, &out)
	})
	if err != nil {
		return Alert{}, err
	}
	return out, nil
}

// AlertCount groups active alerts by type and severity.
type AlertCount struct {
	Type     string        `json:"alert_type"`
	Severity AlertSeverity `json:"severity"`
	Count    int           `json:"count"`
}

// CountActiveAlerts returns active alert counts per type and severity.
func (s *Store) CountActiveAlerts(ctx context.Context) ([]AlertCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_type, severity, COUNT(1)
		FROM system_alerts
		WHERE status = 'active'
		GROUP BY alert_type, severity
		ORDER BY alert_type, severity;
	`)
	if err != nil {
		return nil, fmt.Errorf("count active alerts: %w", err)
	}
	defer rows.Close()
	var out []AlertCount
	for rows.Next() {
		var c AlertCount
		if err := rows.Scan(&c.Type, &c.Severity, &c.Count); err != nil {
			return nil, fmt.Errorf("count active alerts: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count active alerts: iterate: %w", err)
	}
	return out, nil
}
