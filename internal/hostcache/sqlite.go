package hostcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/livedb/internal/utils"
)

const defaultPragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA temp_store=MEMORY;
`

const schema = `
CREATE TABLE IF NOT EXISTS hosts (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

type sqliteConfig struct {
	path         string
	pragmas      string
	maxOpenConns int
}

// SqliteOption configures a SqliteStore.
type SqliteOption func(*sqliteConfig)

// WithPath sets the database file. Use ":memory:" for an in-memory database.
func WithPath(path string) SqliteOption {
	return func(c *sqliteConfig) {
		c.path = path
	}
}

// WithPragmas replaces the default pragmas.
func WithPragmas(pragmas string) SqliteOption {
	return func(c *sqliteConfig) {
		c.pragmas = pragmas
	}
}

// SqliteStore persists redirects in a single sqlite table.
type SqliteStore struct {
	db *sqlx.DB
}

type hostRow struct {
	Key       string `db:"key"`
	Value     string `db:"value"`
	UpdatedAt int64  `db:"updated_at"`
}

// NewSqliteStore opens (creating if needed) the database and its schema.
func NewSqliteStore(opts ...SqliteOption) (*SqliteStore, error) {
	cfg := &sqliteConfig{
		path:         ":memory:",
		pragmas:      defaultPragma,
		maxOpenConns: 1,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	dsn := ":memory:"
	if cfg.path != ":memory:" {
		if err := utils.EnsureParent(cfg.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.path)
	}

	slog.Debug("hostcache db", "driver", driverID, "path", cfg.path)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(cfg.maxOpenConns)

	if _, err := db.Exec(cfg.pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var row hostRow
	err := s.db.GetContext(ctx, &row, `SELECT key, value, updated_at FROM hosts WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return row.Value, true, nil
}

func (s *SqliteStore) Set(ctx context.Context, key, value string) error {
	row := hostRow{Key: key, Value: value, UpdatedAt: time.Now().Unix()}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO hosts (key, value, updated_at) VALUES (:key, :value, :updated_at)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}
