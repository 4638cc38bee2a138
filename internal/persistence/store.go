package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-agency/internal/bus"
	"github.com/mattn/go-sqlite3"
)

const (
	// v1: agents, inter-agent messages, content items, analytics samples.
	schemaVersionV1  = 1
	schemaChecksumV1 = "ga-v1-2026-09-02-agency-core"

	// v2: rollups, daily performance tables, alerts, component health.
	schemaVersionV2  = 2
	schemaChecksumV2 = "ga-v2-2026-09-16-monitoring"

	schemaVersionLatest = schemaVersionV2

	busyRetries = 5
)

type migration struct {
	version    int
	checksum   string
	statements []string
}

var migrations = []migration{
	{
		version:  schemaVersionV1,
		checksum: schemaChecksumV1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS agents (
				agent_id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				persona TEXT NOT NULL,
				primary_platforms TEXT NOT NULL DEFAULT '[]',
				content_types TEXT NOT NULL DEFAULT '[]',
				posting_frequency TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'inactive')),
				last_activity DATETIME NOT NULL,
				created_at DATETIME NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS agent_messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				sender_agent_id TEXT NOT NULL REFERENCES agents(agent_id),
				receiver_agent_id TEXT NOT NULL REFERENCES agents(agent_id),
				message_type TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '{}',
				priority INTEGER NOT NULL DEFAULT 1,
				status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'processed', 'failed')),
				created_at DATETIME NOT NULL,
				processed_at DATETIME,
				response TEXT
			);`,
			`CREATE INDEX IF NOT EXISTS idx_agent_messages_queue
				ON agent_messages(receiver_agent_id, status, priority DESC, created_at ASC, id ASC);`,
			`CREATE TABLE IF NOT EXISTS content_items (
				id TEXT PRIMARY KEY,
				creator_agent_id TEXT NOT NULL REFERENCES agents(agent_id),
				persona TEXT NOT NULL,
				content_type TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				content_body TEXT NOT NULL,
				media_urls TEXT NOT NULL DEFAULT '[]',
				hashtags TEXT NOT NULL DEFAULT '[]',
				target_platforms TEXT NOT NULL,
				scheduled_time DATETIME NOT NULL,
				status TEXT NOT NULL CHECK(status IN ('draft', 'scheduled', 'distributing', 'published', 'failed')),
				performance_metrics TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				published_at DATETIME
			);`,
			`CREATE INDEX IF NOT EXISTS idx_content_items_due ON content_items(status, scheduled_time);`,
			`CREATE INDEX IF NOT EXISTS idx_content_items_creator ON content_items(creator_agent_id);`,
			`CREATE TABLE IF NOT EXISTS platform_analytics (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				content_id TEXT NOT NULL REFERENCES content_items(id),
				platform TEXT NOT NULL,
				metric_name TEXT NOT NULL,
				metric_value REAL NOT NULL,
				recorded_at DATETIME NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_platform_analytics_content ON platform_analytics(content_id);`,
			`CREATE INDEX IF NOT EXISTS idx_platform_analytics_recorded ON platform_analytics(recorded_at);`,
		},
	},
	{
		version:  schemaVersionV2,
		checksum: schemaChecksumV2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS performance_metrics (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				metric_type TEXT NOT NULL,
				metric_name TEXT NOT NULL,
				metric_value REAL NOT NULL,
				dimensions TEXT NOT NULL DEFAULT '{}',
				timestamp DATETIME NOT NULL,
				period TEXT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_performance_metrics_name ON performance_metrics(metric_name, timestamp);`,
			`CREATE TABLE IF NOT EXISTS agent_performance (
				agent_id TEXT NOT NULL,
				persona TEXT NOT NULL,
				date TEXT NOT NULL,
				content_created INTEGER NOT NULL DEFAULT 0,
				content_published INTEGER NOT NULL DEFAULT 0,
				messages_sent INTEGER NOT NULL DEFAULT 0,
				messages_processed INTEGER NOT NULL DEFAULT 0,
				activity_score REAL NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (agent_id, date)
			);`,
			`CREATE TABLE IF NOT EXISTS platform_performance (
				platform TEXT NOT NULL,
				date TEXT NOT NULL,
				content_count INTEGER NOT NULL DEFAULT 0,
				total_views REAL NOT NULL DEFAULT 0,
				avg_engagement_rate REAL NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (platform, date)
			);`,
			`CREATE TABLE IF NOT EXISTS system_alerts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				alert_type TEXT NOT NULL,
				severity TEXT NOT NULL CHECK(severity IN ('low', 'medium', 'high', 'critical')),
				message TEXT NOT NULL,
				details TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'acknowledged', 'resolved')),
				created_at DATETIME NOT NULL,
				acknowledged_at DATETIME,
				resolved_at DATETIME
			);`,
			`CREATE INDEX IF NOT EXISTS idx_system_alerts_status ON system_alerts(status, created_at);`,
			`CREATE TABLE IF NOT EXISTS system_health (
				component TEXT PRIMARY KEY,
				status TEXT NOT NULL CHECK(status IN ('healthy', 'warning', 'error')),
				message TEXT NOT NULL DEFAULT '',
				metrics TEXT NOT NULL DEFAULT '{}',
				last_check DATETIME NOT NULL
			);`,
		},
	},
}

// Store is the durable owner of all agency state. Every in-memory view kept
// elsewhere is rebuilt from it.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
	now func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goagency", "agency.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, now: utcNow}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an already-open handle without touching pragmas or schema.
func NewWithDB(db *sql.DB, eventBus *bus.Bus) *Store {
	return &Store{db: db, bus: eventBus, now: utcNow}
}

func utcNow() time.Time { return time.Now().UTC() }

// SetClock overrides the store clock used for created/processed timestamps.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		now = utcNow
	}
	s.now = func() time.Time { return now().UTC() }
}

// Now returns the store clock reading in UTC.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Bus() *bus.Bus {
	return s.bus
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy runs f until it succeeds, fails with a non-busy error, or
// maxRetries extra attempts are spent. Waits grow exponentially from 50ms,
// capped at 500ms, with jitter so contending writers spread out.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt >= maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyDelay(attempt)):
		}
	}
}

func busyDelay(attempt int) time.Duration {
	const (
		base    = 50 * time.Millisecond
		ceiling = 500 * time.Millisecond
	)
	d := ceiling
	if attempt < 4 {
		d = min(base<<attempt, ceiling)
	}
	// d*3/4 plus up to d/2 of jitter.
	return d - d/4 + time.Duration(rand.Int64N(int64(d/2)))
}

// isSQLiteBusy reports SQLITE_BUSY and SQLITE_LOCKED, from the driver's
// typed error or, for wrapped and mocked errors, its message.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
				return fmt.Errorf("read schema migration checksum v%d: %w", m.version, err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}

// withTx runs f in a transaction, retrying the whole unit on BUSY.
func (s *Store) withTx(ctx context.Context, op string, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%s: begin tx: %w", op, err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%s: commit: %w", op, err)
		}
		return nil
	})
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// rawOrEmpty normalises an optional JSON document to a storable value.
func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
