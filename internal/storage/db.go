// Package storage keeps the device cache and the message log in SQLite so a
// restarted device shows what it knew before.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

const schemaVersion = "2"

// Conversation log. Rows are unique by item id only; two items can share a
// sender and a millisecond.
const messagesDDL = `
	CREATE TABLE IF NOT EXISTS _messages (
		id           TEXT PRIMARY KEY,
		peer         TEXT NOT NULL,
		sender       TEXT NOT NULL,
		local        INTEGER NOT NULL DEFAULT 0,
		kind         TEXT NOT NULL,
		body         TEXT DEFAULT '',
		filename     TEXT DEFAULT '',
		file_id      TEXT DEFAULT '',
		download_url TEXT DEFAULT '',
		ts           INTEGER NOT NULL,
		delivery     TEXT DEFAULT '',
		source_path  TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS _messages_peer_ts ON _messages (peer, ts);
`

// DB wraps the SQLite database of one device.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates fieldlink.db in dataDir.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "fieldlink.db")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	// Last known fix of every device, written on each registry update.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _device_cache (
			device_id     TEXT PRIMARY KEY,
			latitude      REAL NOT NULL,
			longitude     REAL NOT NULL,
			fix_timestamp TEXT NOT NULL DEFAULT '',
			last_seen_at  INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create device cache table: %w", err)
	}

	if _, err := db.Exec(messagesDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}
	if err := migrateMessages(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate messages table: %w", err)
	}

	d := &DB{db: db, path: dbPath}
	if err := d.SetMeta("schema_version", schemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("write schema version: %w", err)
	}
	return d, nil
}

// migrateMessages brings a schema 1 message log up to date. Schema 1 keyed
// messages on (peer, sender, ts) and had no source_path column.
func migrateMessages(db *sql.DB) error {
	var ddl string
	if err := db.QueryRow(`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = '_messages'`).Scan(&ddl); err != nil {
		return err
	}
	if !strings.Contains(ddl, "UNIQUE") {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`ALTER TABLE _messages RENAME TO _messages_v1`,
		`DROP INDEX IF EXISTS _messages_peer_ts`,
		messagesDDL,
		`INSERT INTO _messages (id, peer, sender, local, kind, body, filename, file_id, download_url, ts, delivery)
			SELECT id, peer, sender, local, kind, body, filename, file_id, download_url, ts, delivery FROM _messages_v1`,
		`DROP TABLE _messages_v1`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// GetMeta returns a value from the metadata table, or "" if unset.
func (d *DB) GetMeta(key string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	if err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v); err != nil {
		return ""
	}
	return v
}

func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
