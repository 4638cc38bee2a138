package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const agentColumns = `agent_id, name, persona, primary_platforms, content_types,
	posting_frequency, status, last_activity, created_at`

func scanAgent(scanFn func(dest ...any) error, a *Agent) error {
	var platforms, contentTypes string
	if err := scanFn(&a.ID, &a.Name, &a.Persona, &platforms, &contentTypes,
		&a.Cadence, &a.Status, &a.LastActivity, &a.CreatedAt); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(platforms), &a.Platforms); err != nil {
		return fmt.Errorf("decode primary_platforms for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(contentTypes), &a.ContentTypes); err != nil {
		return fmt.Errorf("decode content_types for %s: %w", a.ID, err)
	}
	a.LastActivity = a.LastActivity.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	return nil
}

// CreateAgent persists a new agent. A repeated id yields ErrDuplicateID.
func (s *Store) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	if a.Status == "" {
		a.Status = AgentStatusActive
	}
	now := s.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.LastActivity.IsZero() {
		a.LastActivity = now
	}
	if a.Platforms == nil {
		a.Platforms = []Platform{}
	}
	if a.ContentTypes == nil {
		a.ContentTypes = []ContentType{}
	}
	platforms, err := encodeJSON(a.Platforms)
	if err != nil {
		return Agent{}, fmt.Errorf("encode platforms: %w", err)
	}
	contentTypes, err := encodeJSON(a.ContentTypes)
	if err != nil {
		return Agent{}, fmt.Errorf("encode content types: %w", err)
	}

	err = retryOnBusy(ctx, busyRetries, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO agents (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, a.ID, a.Name, a.Persona, platforms, contentTypes, a.Cadence, a.Status,
			a.LastActivity.UTC(), a.CreatedAt.UTC())
		return execErr
	})
	if err != nil {
		if isUniqueViolation(err) {
			return Agent{}, fmt.Errorf("agent %q: %w", a.ID, ErrDuplicateID)
		}
		return Agent{}, fmt.Errorf("create agent: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.LastActivity = a.LastActivity.UTC()
	return a, nil
}

// GetAgent returns the agent with the given id, or nil if not found.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?;`, agentID)
	if err := scanAgent(row.Scan, &a); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns agents ordered by creation time. An empty status lists all.
func (s *Store) ListAgents(ctx context.Context, status AgentStatus) ([]Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at ASC, agent_id ASC;`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}

// TouchAgent records activity for an agent and optionally changes its status.
func (s *Store) TouchAgent(ctx context.Context, agentID string, status AgentStatus, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents
			SET status = COALESCE(NULLIF(?, ''), status),
				last_activity = ?
			WHERE agent_id = ?;
		`, string(status), at.UTC(), agentID)
		if err != nil {
			return fmt.Errorf("touch agent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("touch agent: rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
		}
		return nil
	})
}

func agentExistsTx(ctx context.Context, tx *sql.Tx, agentID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE agent_id = ?;`, agentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup agent: %w", err)
	}
	return true, nil
}

func touchAgentTx(ctx context.Context, tx *sql.Tx, agentID string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE agents SET last_activity = ? WHERE agent_id = ?;`, at.UTC(), agentID); err != nil {
		return fmt.Errorf("touch agent activity: %w", err)
	}
	return nil
}
