// Package cache persists the last loaded contents of each data store so a
// store can be primed offline before the backend answers.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no snapshot exists for a key.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the serialized result set of one store.
type Snapshot struct {
	// Key identifies the store, usually its name plus folder id.
	Key string

	// Items are the raw backend items in collection order.
	Items []json.RawMessage

	// IDs holds the record id of each item, parallel to Items.
	IDs []string

	TotalCount int
	UpdatedAt  time.Time
}

// SQLiteCache stores snapshots in a local SQLite database.
type SQLiteCache struct {
	db *sqlx.DB
}

// NewSQLiteCache opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteCache(dbPath string) (*SQLiteCache, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	c := &SQLiteCache{db: db}
	if err := c.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return c, nil
}

// NewWithDB wraps an already opened and migrated database.
func NewWithDB(db *sqlx.DB) *SQLiteCache {
	return &SQLiteCache{db: db}
}

// Close closes the underlying database connection.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (c *SQLiteCache) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := c.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = c.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := c.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// PutSnapshot replaces the snapshot stored under snap.Key.
func (c *SQLiteCache) PutSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.Key == "" {
		return errors.New("putting snapshot: empty key")
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM snapshot_items WHERE snapshot_key = ?", snap.Key,
	); err != nil {
		return fmt.Errorf("clearing snapshot %s: %w", snap.Key, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (key, total_count, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			total_count = excluded.total_count,
			updated_at = excluded.updated_at`,
		snap.Key, snap.TotalCount, snap.UpdatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", snap.Key, err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO snapshot_items (id, snapshot_key, position, entryid, payload)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing item insert: %w", err)
	}
	defer stmt.Close()

	for i, item := range snap.Items {
		entryID := ""
		if i < len(snap.IDs) {
			entryID = snap.IDs[i]
		}
		if _, err := stmt.ExecContext(ctx,
			uuid.NewString(), snap.Key, i, entryID, string(item),
		); err != nil {
			return fmt.Errorf("writing snapshot item %d: %w", i, err)
		}
	}

	return tx.Commit()
}

type snapshotRow struct {
	Key        string `db:"key"`
	TotalCount int    `db:"total_count"`
	UpdatedAt  int64  `db:"updated_at"`
}

type itemRow struct {
	EntryID string `db:"entryid"`
	Payload string `db:"payload"`
}

// GetSnapshot returns the snapshot stored under key, or ErrNotFound.
func (c *SQLiteCache) GetSnapshot(ctx context.Context, key string) (*Snapshot, error) {
	var head snapshotRow
	err := c.db.GetContext(ctx, &head,
		"SELECT key, total_count, updated_at FROM snapshots WHERE key = ?", key,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting snapshot %s: %w", key, err)
	}

	var rows []itemRow
	if err := c.db.SelectContext(ctx, &rows, `
		SELECT entryid, payload FROM snapshot_items
		WHERE snapshot_key = ? ORDER BY position`, key,
	); err != nil {
		return nil, fmt.Errorf("getting snapshot items %s: %w", key, err)
	}

	snap := &Snapshot{
		Key:        head.Key,
		TotalCount: head.TotalCount,
		UpdatedAt:  time.Unix(head.UpdatedAt, 0),
		Items:      make([]json.RawMessage, 0, len(rows)),
		IDs:        make([]string, 0, len(rows)),
	}
	for _, r := range rows {
		snap.Items = append(snap.Items, json.RawMessage(r.Payload))
		snap.IDs = append(snap.IDs, r.EntryID)
	}
	return snap, nil
}

// DeleteItems removes the items with the given record ids from every
// snapshot, keeping cached lists in step with confirmed deletions.
func (c *SQLiteCache) DeleteItems(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM snapshot_items WHERE entryid IN (?)", ids)
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, c.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("deleting snapshot items: %w", err)
	}
	return nil
}

// DeleteSnapshot removes the snapshot stored under key.
func (c *SQLiteCache) DeleteSnapshot(ctx context.Context, key string) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshot_items WHERE snapshot_key = ?", key); err != nil {
		return fmt.Errorf("deleting snapshot items %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshots WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting snapshot %s: %w", key, err)
	}
	return tx.Commit()
}

// Keys lists the stored snapshot keys with the given prefix.
func (c *SQLiteCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pattern := strings.NewReplacer("%", `\%`, "_", `\_`).Replace(prefix) + "%"
	if err := c.db.SelectContext(ctx, &keys,
		`SELECT key FROM snapshots WHERE key LIKE ? ESCAPE '\' ORDER BY key`, pattern,
	); err != nil {
		return nil, fmt.Errorf("listing snapshot keys: %w", err)
	}
	return keys, nil
}
