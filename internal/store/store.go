// Package store is the job store: the durable record of every item's
// stage, progress, timestamps, artifacts and error, plus subscriptions and
// playlist memberships. SQLite via modernc.org/sqlite (pure Go, no cgo),
// queried through jmoiron/sqlx for struct-scan ergonomics over the wide
// items table.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection and exposes the Job Store repositories.
type DB struct {
	conn *sqlx.DB
	path string
}

// New opens (creating if needed) the SQLite database at dataDir/ingestd.db,
// applies the connection PRAGMAs, and runs migrations.
func New(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "ingestd.db")

	conn, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB cache
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	db := &DB{conn: conn, path: dbPath}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sqlx handle for advanced queries.
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id                     TEXT PRIMARY KEY,
		url                    TEXT NOT NULL,
		source_video_id        TEXT,
		user_id                TEXT NOT NULL,
		stage                  TEXT NOT NULL DEFAULT 'pending',
		progress               REAL NOT NULL DEFAULT 0,
		language_hint          TEXT,
		title                  TEXT,
		channel_id             TEXT,
		channel_title          TEXT,
		uploader_id            TEXT,
		uploader               TEXT,
		view_count             INTEGER DEFAULT 0,
		like_count             INTEGER DEFAULT 0,
		duration_seconds       INTEGER DEFAULT 0,
		upload_date            DATETIME,
		thumbnail_url          TEXT,
		thumbnail_path         TEXT,
		transcript_file_path   TEXT,
		transcript             TEXT,
		summary                TEXT,
		keywords               TEXT,
		watch_position_seconds REAL DEFAULT 0,
		read_count             INTEGER DEFAULT 0,
		error_message          TEXT,
		subscription_id        TEXT,
		created_at             DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at             DATETIME,
		downloaded_at          DATETIME,
		completed_at           DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_items_stage ON items(stage);
	CREATE INDEX IF NOT EXISTS idx_items_created_at ON items(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_items_user_url ON items(user_id, url);
	CREATE INDEX IF NOT EXISTS idx_items_user_channel ON items(user_id, channel_id);
	CREATE INDEX IF NOT EXISTS idx_items_subscription ON items(subscription_id);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		channel_url      TEXT NOT NULL,
		channel_id       TEXT,
		channel_title    TEXT,
		status           TEXT NOT NULL DEFAULT 'pending',
		auto_playlist_id TEXT,
		last_check_at    DATETIME,
		created_at       DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_user_channel_id
		ON subscriptions(user_id, channel_id) WHERE channel_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_user_channel_url
		ON subscriptions(user_id, channel_url) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);

	CREATE TABLE IF NOT EXISTS playlist_items (
		playlist_id TEXT NOT NULL,
		item_id     TEXT NOT NULL,
		position    INTEGER NOT NULL,
		PRIMARY KEY (playlist_id, item_id)
	);

	CREATE INDEX IF NOT EXISTS idx_playlist_items_item ON playlist_items(item_id);

	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// GetSetting reads a single key from the settings table; ok is false if the
// key is absent. Used to persist small orchestrator state (e.g. the
// Download Gate's pause deadline) across restarts.
func (db *DB) GetSetting(key string) (value string, ok bool, err error) {
	err = db.conn.Get(&value, `SELECT value FROM settings WHERE key = ?`, key)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// SetSetting upserts a key/value pair in the settings table.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}
