package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultPollLimit = 50
	MaxPollLimit     = 1000
)

const messageColumns = `id, sender_agent_id, receiver_agent_id, message_type, payload,
	priority, status, created_at, processed_at, response`

func scanMessage(scanFn func(dest ...any) error, m *AgentMessage) error {
	var payload string
	var response sql.NullString
	var processedAt sql.NullTime
	if err := scanFn(&m.ID, &m.Sender, &m.Receiver, &m.Type, &payload,
		&m.Priority, &m.Status, &m.CreatedAt, &processedAt, &response); err != nil {
		return err
	}
	m.Payload = json.RawMessage(payload)
	if response.Valid {
		m.Response = json.RawMessage(response.String)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.ProcessedAt = timePtr(processedAt)
	return nil
}

// InsertMessage enqueues a message for its receiver. Both endpoints must be
// registered agents; otherwise ErrUnknownAgent is returned and nothing is written.
func (s *Store) InsertMessage(ctx context.Context, m AgentMessage) (int64, error) {
	now := s.now()
	var id int64
	err := s.withTx(ctx, "insert message", func(tx *sql.Tx) error {
		for _, agentID := range []string{m.Sender, m.Receiver} {
			ok, err := agentExistsTx(ctx, tx, agentID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("agent %q: %w", agentID, ErrUnknownAgent)
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO agent_messages (sender_agent_id, receiver_agent_id, message_type, payload, priority, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, m.Sender, m.Receiver, m.Type, rawOrEmpty(m.Payload), m.Priority, MessageStatusPending, now)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert message: last id: %w", err)
		}
		return touchAgentTx(ctx, tx, m.Sender, now)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListMessages returns a receiver's messages in delivery order: priority
// descending, then creation time and id ascending. It never mutates.
func (s *Store) ListMessages(ctx context.Context, receiver string, status MessageStatus, limit int) ([]AgentMessage, error) {
	if status == "" {
		status = MessageStatusPending
	}
	limit = clampLimit(limit, DefaultPollLimit, MaxPollLimit)

	var out []AgentMessage
	err := s.withTx(ctx, "list messages", func(tx *sql.Tx) error {
		out = nil
		ok, err := agentExistsTx(ctx, tx, receiver)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("agent %q: %w", receiver, ErrUnknownAgent)
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM agent_messages
			WHERE receiver_agent_id = ? AND status = ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT ?;
		`, receiver, status, limit)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var m AgentMessage
			if err := scanMessage(rows.Scan, &m); err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			out = append(out, m)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list messages: iterate: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessage returns one message by id or ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, id int64) (AgentMessage, error) {
	var m AgentMessage
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM agent_messages WHERE id = ?;`, id)
	if err := scanMessage(row.Scan, &m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentMessage{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
		}
		return AgentMessage{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// CompleteMessage moves a pending message to processed or failed and stores
// the response. The transition is a single compare-and-set on status, so
// among concurrent callers exactly one wins; the rest get ErrAlreadyProcessed.
func (s *Store) CompleteMessage(ctx context.Context, id int64, to MessageStatus, response json.RawMessage) (AgentMessage, error) {
	if to != MessageStatusProcessed && to != MessageStatusFailed {
		return AgentMessage{}, Invalid("status", "messages can only complete as processed or failed")
	}
	now := s.now()
	var resp sql.NullString
	if len(response) > 0 {
		resp = sql.NullString{String: string(response), Valid: true}
	}

	var out AgentMessage
	err := s.withTx(ctx, "complete message", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agent_messages
			SET status = ?, processed_at = ?, response = ?
			WHERE id = ? AND status = ?;
		`, to, now, resp, id, MessageStatusPending)
		if err != nil {
			return fmt.Errorf("complete message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete message: rows affected: %w", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM agent_messages WHERE id = ?;`, id)
		if err := scanMessage(row.Scan, &out); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("message %d: %w", id, ErrNotFound)
			}
			return fmt.Errorf("reload message: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("message %d is %s: %w", id, out.Status, ErrAlreadyProcessed)
		}
		return touchAgentTx(ctx, tx, out.Receiver, now)
	})
	if err != nil {
		return AgentMessage{}, err
	}
	return out, nil
}

// MessageCounts is the message queue breakdown used by status and alerting.
type MessageCounts struct {
	Pending        int `json:"pending"`
	Processed      int `json:"processed"`
	Failed         int `json:"failed"`
	RecentActivity int `json:"recent_activity"`
}

// CountMessages tallies messages by status plus those created since the cutoff.
func (s *Store) CountMessages(ctx context.Context, since time.Time) (MessageCounts, error) {
	var c MessageCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'processed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0)
		FROM agent_messages;
	`, since.UTC()).Scan(&c.Pending, &c.Processed, &c.Failed, &c.RecentActivity)
	if err != nil {
		return MessageCounts{}, fmt.Errorf("count messages: %w", err)
	}
	return c, nil
}
