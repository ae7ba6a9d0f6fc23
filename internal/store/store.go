// Package store persists identities. The default backend is an embedded
// SQLite database; a JSON file and an in-memory map are also provided.
//
// SQLite migrations are kept in the [migrations] slice as ordered strings.
// Each is applied exactly once and the applied version is tracked in the
// schema_migrations table. Append new migrations; never edit or reorder
// existing entries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/friespotatotissue/please/internal/core"
)

// ErrIdentityNotFound is returned when no identity exists for an id.
var ErrIdentityNotFound = errors.New("identity not found")

// migrations brings the schema up to date. Index i is version i+1.
var migrations = []string{
	// v1 settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 identities
	`CREATE TABLE IF NOT EXISTS identities (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		color      TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch()),
		updated_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 listing order for the identities command
	`CREATE INDEX IF NOT EXISTS idx_identities_updated ON identities(updated_at)`,
}

// StoredIdentity is an identity row with its bookkeeping timestamps.
type StoredIdentity struct {
	core.IdentityRecord
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store wraps a SQLite database. It implements core.IdentityStore.
type Store struct {
	db *sql.DB
}

var _ core.IdentityStore = (*Store)(nil)

// Open opens (or creates) the SQLite database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection serializes writes and keeps ":memory:" databases
	// coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("sqlite WAL mode", "err", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("sqlite busy_timeout", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("sqlite migration applied", "version", v)
	}
	return nil
}

// LoadIdentities returns every persisted identity keyed by id.
func (s *Store) LoadIdentities(ctx context.Context) (map[string]core.IdentityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, color FROM identities`)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]core.IdentityRecord)
	for rows.Next() {
		var rec core.IdentityRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Color); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

// SaveIdentity upserts one identity.
func (s *Store) SaveIdentity(ctx context.Context, rec core.IdentityRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("identity id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities(id, name, color) VALUES(?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   color = excluded.color,
		   updated_at = unixepoch()`,
		rec.ID, rec.Name, rec.Color,
	)
	if err != nil {
		return fmt.Errorf("save identity %s: %w", rec.ID, err)
	}
	return nil
}

// GetIdentity returns one identity or ErrIdentityNotFound.
func (s *Store) GetIdentity(ctx context.Context, id string) (StoredIdentity, error) {
	var (
		out              StoredIdentity
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, color, created_at, updated_at FROM identities WHERE id = ?`, id,
	).Scan(&out.ID, &out.Name, &out.Color, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredIdentity{}, ErrIdentityNotFound
	}
	if err != nil {
		return StoredIdentity{}, fmt.Errorf("get identity %s: %w", id, err)
	}
	out.CreatedAt = time.Unix(created, 0).UTC()
	out.UpdatedAt = time.Unix(updated, 0).UTC()
	return out, nil
}

// ListIdentities returns identities, most recently updated first. A
// non-positive limit returns all of them.
func (s *Store) ListIdentities(ctx context.Context, limit int) ([]StoredIdentity, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, color, created_at, updated_at FROM identities
		 ORDER BY updated_at DESC, id ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []StoredIdentity
	for rows.Next() {
		var (
			si               StoredIdentity
			created, updated int64
		)
		if err := rows.Scan(&si.ID, &si.Name, &si.Color, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		si.CreatedAt = time.Unix(created, 0).UTC()
		si.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, si)
	}
	return out, rows.Err()
}

// GetSetting returns the value stored under key. The second result is false
// when the key does not exist.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return val, true, nil
}

// SetSetting upserts key to value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// Optimize runs SQLite's query planner maintenance. Call before closing.
func (s *Store) Optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA optimize`); err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination %s already exists", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("backup to %s: %w", destPath, err)
	}
	slog.Info("sqlite backup written", "path", destPath)
	return nil
}
