package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultContentLimit = 100
	MaxContentLimit     = 1000
)

const contentColumns = `id, creator_agent_id, persona, content_type, title, description,
	content_body, media_urls, hashtags, target_platforms, scheduled_time, status,
	performance_metrics, created_at, published_at`

func scanContent(scanFn func(dest ...any) error, c *ContentItem) error {
	var media, hashtags, platforms, metrics string
	var publishedAt sql.NullTime
	if err := scanFn(&c.ID, &c.CreatorAgentID, &c.Persona, &c.ContentType, &c.Title, &c.Description,
		&c.Body, &media, &hashtags, &platforms, &c.ScheduledTime, &c.Status,
		&metrics, &c.CreatedAt, &publishedAt); err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"media_urls", media, &c.MediaURLs},
		{"hashtags", hashtags, &c.Hashtags},
		{"target_platforms", platforms, &c.Platforms},
		{"performance_metrics", metrics, &c.Metrics},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return fmt.Errorf("decode %s for %s: %w", f.name, c.ID, err)
		}
	}
	if c.Metrics == nil {
		c.Metrics = map[Platform]PlatformOutcome{}
	}
	c.ScheduledTime = c.ScheduledTime.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.PublishedAt = timePtr(publishedAt)
	return nil
}

// InsertContent stores a new content item. The creator must be a registered
// agent (ErrUnknownAgent); a repeated id yields ErrDuplicateID.
func (s *Store) InsertContent(ctx context.Context, c ContentItem) (ContentItem, error) {
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.MediaURLs == nil {
		c.MediaURLs = []string{}
	}
	if c.Hashtags == nil {
		c.Hashtags = []string{}
	}
	if c.Metrics == nil {
		c.Metrics = map[Platform]PlatformOutcome{}
	}
	media, err := encodeJSON(c.MediaURLs)
	if err != nil {
		return ContentItem{}, fmt.Errorf("encode media urls: %w", err)
	}
	hashtags, err := encodeJSON(c.Hashtags)
	if err != nil {
		return ContentItem{}, fmt.Errorf("encode hashtags: %w", err)
	}
	platforms, err := encodeJSON(c.Platforms)
	if err != nil {
		return ContentItem{}, fmt.Errorf("encode platforms: %w", err)
	}
	metrics, err := encodeJSON(c.Metrics)
	if err != nil {
		return ContentItem{}, fmt.Errorf("encode metrics: %w", err)
	}

	err = s.withTx(ctx, "insert content", func(tx *sql.Tx) error {
		ok, err := agentExistsTx(ctx, tx, c.CreatorAgentID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("creator %q: %w", c.CreatorAgentID, ErrUnknownAgent)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO content_items (`+contentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, c.ID, c.CreatorAgentID, c.Persona, c.ContentType, c.Title, c.Description,
			c.Body, media, hashtags, platforms, c.ScheduledTime.UTC(), c.Status,
			metrics, c.CreatedAt.UTC(), nullTime(c.PublishedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("content %q: %w", c.ID, ErrDuplicateID)
			}
			return fmt.Errorf("insert content: %w", err)
		}
		return touchAgentTx(ctx, tx, c.CreatorAgentID, now)
	})
	if err != nil {
		return ContentItem{}, err
	}
	c.ScheduledTime = c.ScheduledTime.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// GetContent returns one content item or ErrNotFound.
func (s *Store) GetContent(ctx context.Context, id string) (ContentItem, error) {
	return getContent(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getContent(ctx context.Context, q queryRower, id string) (ContentItem, error) {
	var c ContentItem
	row := q.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM content_items WHERE id = ?;`, id)
	if err := scanContent(row.Scan, &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ContentItem{}, fmt.Errorf("content %q: %w", id, ErrNotFound)
		}
		return ContentItem{}, fmt.Errorf("get content: %w", err)
	}
	return c, nil
}

// ContentFilter narrows QueryContent. Zero fields are ignored.
type ContentFilter struct {
	Status    ContentStatus
	Persona   Persona
	CreatorID string
	Limit     int
}

// QueryContent lists content ordered by scheduled time, then id.
func (s *Store) QueryContent(ctx context.Context, f ContentFilter) ([]ContentItem, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Persona != "" {
		where = append(where, "persona = ?")
		args = append(args, f.Persona)
	}
	if f.CreatorID != "" {
		where = append(where, "creator_agent_id = ?")
		args = append(args, f.CreatorID)
	}
	q := `SELECT ` + contentColumns + ` FROM content_items`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY scheduled_time ASC, id ASC LIMIT ?;`
	args = append(args, clampLimit(f.Limit, DefaultContentLimit, MaxContentLimit))
	return s.listContent(ctx, "query content", q, args...)
}

// DueContent lists scheduled items whose scheduled time is at or before now.
func (s *Store) DueContent(ctx context.Context, now time.Time, limit int) ([]ContentItem, error) {
	return s.listContent(ctx, "due content", `
		SELECT `+contentColumns+`
		FROM content_items
		WHERE status = ? AND scheduled_time <= ?
		ORDER BY scheduled_time ASC, id ASC
		LIMIT ?;
	`, ContentStatusScheduled, now.UTC(), clampLimit(limit, DefaultContentLimit, MaxContentLimit))
}

func (s *Store) listContent(ctx context.Context, op, q string, args ...any) ([]ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []ContentItem
	for rows.Next() {
		var c ContentItem
		if err := scanContent(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

// ClaimContent moves a scheduled item to distributing. It reports false when
// another caller already claimed it or the item is no longer scheduled.
func (s *Store) ClaimContent(ctx context.Context, id string) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE content_items SET status = ? WHERE id = ? AND status = ?;
		`, ContentStatusDistributing, id, ContentStatusScheduled)
		if err != nil {
			return fmt.Errorf("claim content: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim content: rows affected: %w", err)
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// FinishDistribution records the outcome map and moves a distributing item
// to its final status. published_at is set only when final is published.
func (s *Store) FinishDistribution(ctx context.Context, id string, final ContentStatus, outcomes map[Platform]PlatformOutcome) (ContentItem, error) {
	if final != ContentStatusPublished && final != ContentStatusFailed {
		return ContentItem{}, Invalid("status", "distribution must finish as published or failed")
	}
	metrics, err := encodeJSON(outcomes)
	if err != nil {
		return ContentItem{}, fmt.Errorf("encode outcomes: %w", err)
	}
	now := s.now()
	var publishedAt sql.NullTime
	if final == ContentStatusPublished {
		publishedAt = sql.NullTime{Time: now, Valid: true}
	}

	var out ContentItem
	err = s.withTx(ctx, "finish distribution", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE content_items
			SET status = ?, performance_metrics = ?, published_at = ?
			WHERE id = ? AND status = ?;
		`, final, metrics, publishedAt, id, ContentStatusDistributing)
		if err != nil {
			return fmt.Errorf("finish distribution: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finish distribution: rows affected: %w", err)
		}
		out, err = getContent(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return Invalid("status", fmt.Sprintf("content %s is %s, not distributing", id, out.Status))
		}
		return nil
	})
	if err != nil {
		return ContentItem{}, err
	}
	return out, nil
}

// UpdateContentStatus moves an item forward along draft -> scheduled ->
// {published, failed}. Re-applying the current status only replaces metrics.
// A nil metrics map keeps the stored one. Items being distributed are
// refused with ErrDistributing.
func (s *Store) UpdateContentStatus(ctx context.Context, id string, to ContentStatus, metrics map[Platform]PlatformOutcome) (ContentItem, ContentStatus, error) {
	if !to.Valid() || to == ContentStatusDistributing {
		return ContentItem{}, "", Invalid("status", "unsupported target status "+quote(string(to)))
	}
	var encoded sql.NullString
	if metrics != nil {
		raw, err := encodeJSON(metrics)
		if err != nil {
			return ContentItem{}, "", fmt.Errorf("encode metrics: %w", err)
		}
		encoded = sql.NullString{String: raw, Valid: true}
	}
	now := s.now()

	var out ContentItem
	var from ContentStatus
	err := s.withTx(ctx, "update content status", func(tx *sql.Tx) error {
		current, err := getContent(ctx, tx, id)
		if err != nil {
			return err
		}
		from = current.Status
		if from == ContentStatusDistributing {
			return fmt.Errorf("content %s: %w", id, ErrDistributing)
		}
		if from != to && !CanTransitionContent(from, to) {
			return Invalid("status", fmt.Sprintf("cannot move content from %s to %s", from, to))
		}
		publishedAt := nullTime(current.PublishedAt)
		if from != to && to == ContentStatusPublished {
			publishedAt = sql.NullTime{Time: now, Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE content_items
			SET status = ?,
				performance_metrics = COALESCE(?, performance_metrics),
				published_at = ?
			WHERE id = ? AND status = ?;
		`, to, encoded, publishedAt, id, from)
		if err != nil {
			return fmt.Errorf("update content status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update content status: rows affected: %w", err)
		}
		if n != 1 {
			return Invalid("status", "content changed concurrently")
		}
		out, err = getContent(ctx, tx, id)
		return err
	})
	if err != nil {
		return ContentItem{}, "", err
	}
	return out, from, nil
}

// RecoverDistributing fails items left in distributing by an interrupted
// process. Platforms without a recorded outcome are marked interrupted so
// the outcome map stays complete; nothing is re-posted.
func (s *Store) RecoverDistributing(ctx context.Context) ([]string, error) {
	var recovered []string
	err := s.withTx(ctx, "recover distributing", func(tx *sql.Tx) error {
		recovered = nil
		rows, err := tx.QueryContext(ctx, `SELECT `+contentColumns+` FROM content_items WHERE status = ?;`, ContentStatusDistributing)
		if err != nil {
			return fmt.Errorf("recover distributing: %w", err)
		}
		var stuck []ContentItem
		for rows.Next() {
			var c ContentItem
			if err := scanContent(rows.Scan, &c); err != nil {
				rows.Close()
				return fmt.Errorf("recover distributing: scan: %w", err)
			}
			stuck = append(stuck, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("recover distributing: iterate: %w", err)
		}
		rows.Close()

		for _, c := range stuck {
			for _, p := range c.Platforms {
				if _, ok := c.Metrics[p]; !ok {
					c.Metrics[p] = PlatformOutcome{Error: "distribution interrupted", ErrorKind: OutcomeInterrupted}
				}
			}
			raw, err := encodeJSON(c.Metrics)
			if err != nil {
				return fmt.Errorf("encode outcomes: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE content_items SET status = ?, performance_metrics = ?, published_at = NULL
				WHERE id = ? AND status = ?;
			`, ContentStatusFailed, raw, c.ID, ContentStatusDistributing); err != nil {
				return fmt.Errorf("recover distributing %s: %w", c.ID, err)
			}
			recovered = append(recovered, c.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

// ContentCounts is the content breakdown by lifecycle status.
type ContentCounts struct {
	Total        int `json:"total"`
	Draft        int `json:"draft"`
	Scheduled    int `json:"scheduled"`
	Distributing int `json:"distributing"`
	Published    int `json:"published"`
	Failed       int `json:"failed"`
}

// CountContent tallies content items by status.
func (s *Store) CountContent(ctx context.Context) (ContentCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM content_items GROUP BY status;`)
	if err != nil {
		return ContentCounts{}, fmt.Errorf("count content: %w", err)
	}
	defer rows.Close()
	var c ContentCounts
	for rows.Next() {
		var status ContentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return ContentCounts{}, fmt.Errorf("count content: scan: %w", err)
		}
		c.Total += n
		switch status {
		case ContentStatusDraft:
			c.Draft = n
		case ContentStatusScheduled:
			c.Scheduled = n
		case ContentStatusDistributing:
			c.Distributing = n
		case ContentStatusPublished:
			c.Published = n
		case ContentStatusFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return ContentCounts{}, fmt.Errorf("count content: iterate: %w", err)
	}
	return c, nil
}
