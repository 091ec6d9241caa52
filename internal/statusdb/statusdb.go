// Package statusdb stamps the side status-DB lifecycle labels
// (pending/transferred/processing/upserted/failed) for data files moving
// through a load cycle. It is the optional collaborator described in
// spec.md §6: its absence in process configuration disables stamping
// globally.
package statusdb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver used by goose
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/warehouse-loader/internal/metrics"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Status is one of the five recognized lifecycle labels.
type Status string

const (
	StatusPending     Status = "pending"
	StatusTransferred Status = "transferred"
	StatusProcessing  Status = "processing"
	StatusUpserted    Status = "upserted"
	StatusFailed      Status = "failed"
)

// Config holds the connection parameters for the status DB, as read from
// the optional status-db block in process configuration.
type Config struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
	Schema   string
	Table    string
}

func (c *Config) connString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, sslMode)
}

func (c *Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("statusdb: host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("statusdb: database is required")
	}
	if c.Username == "" {
		return fmt.Errorf("statusdb: username is required")
	}
	if c.Table == "" {
		c.Table = "file_status"
	}
	if c.Schema == "" {
		c.Schema = "public"
	}
	if c.Port == "" {
		c.Port = "5432"
	}
	return nil
}

// DB is a pooled client against the status-tracking database.
type DB struct {
	pool      *pgxpool.Pool
	qualified string // schema.table
}

// Open connects to cfg, runs migrations against the base file_status
// schema, and returns a pooled DB handle.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	connStr := cfg.connString()

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("statusdb: failed to parse pool config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("statusdb: failed to create pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("statusdb: failed to ping: %w", err)
	}

	if err := runMigrations(connStr); err != nil {
		pool.Close()
		return nil, err
	}

	return &DB{
		pool:      pool,
		qualified: fmt.Sprintf("%s.%s", cfg.Schema, cfg.Table),
	}, nil
}

func runMigrations(connStr string) error {
	goose.SetBaseFS(embedMigrations)
	defer goose.SetBaseFS(nil)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("statusdb: failed to open db for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("statusdb: failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("statusdb: migration failed: %w", err)
	}
	return nil
}

// Close releases the pool.
func (db *DB) Close() { db.pool.Close() }

// Ping reports whether the pool can reach the status DB, for readiness
// probes.
func (db *DB) Ping(ctx context.Context) error { return db.pool.Ping(ctx) }

// MarkProcessing implements cycle.StatusUpdater.
func (db *DB) MarkProcessing(ctx context.Context, files []string) error {
	return db.mark(ctx, files, StatusProcessing)
}

// MarkUpserted implements cycle.StatusUpdater.
func (db *DB) MarkUpserted(ctx context.Context, files []string) error {
	return db.mark(ctx, files, StatusUpserted)
}

// MarkFailed implements cycle.StatusUpdater.
func (db *DB) MarkFailed(ctx context.Context, files []string) error {
	return db.mark(ctx, files, StatusFailed)
}

// MarkPending and MarkTransferred round out the five recognized labels for
// callers upstream of the load cycle (the discovery/scan path).
func (db *DB) MarkPending(ctx context.Context, files []string) error {
	return db.mark(ctx, files, StatusPending)
}

func (db *DB) MarkTransferred(ctx context.Context, files []string) error {
	return db.mark(ctx, files, StatusTransferred)
}

// mark upserts one row per file with the given status. Each statement's
// affected row count is asserted to be exactly one, per spec.
func (db *DB) mark(ctx context.Context, files []string, status Status) error {
	for _, f := range files {
		query := fmt.Sprintf(
			`INSERT INTO %s (file_key, status, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (file_key) DO UPDATE SET status = EXCLUDED.status, updated_at = now()`,
			db.qualified)

		tag, err := db.pool.Exec(ctx, query, f, string(status))
		metrics.StatusDBUpdatesTotal.WithLabelValues(db.qualified, string(status)).Inc()
		if err != nil {
			return fmt.Errorf("statusdb: failed to mark %q as %q: %w", f, status, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("statusdb: expected exactly one row updated for %q, got %d", f, tag.RowsAffected())
		}
	}
	return nil
}
