package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS novels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL,
	plugin_id TEXT NOT NULL,
	name TEXT NOT NULL,
	cover TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	artist TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	genres TEXT NOT NULL DEFAULT '',
	total_pages INTEGER NOT NULL DEFAULT 0,
	in_library INTEGER NOT NULL DEFAULT 0,
	UNIQUE(path, plugin_id)
);

CREATE TABLE IF NOT EXISTS chapters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	novel_id INTEGER NOT NULL REFERENCES novels(id) ON DELETE CASCADE,
	path TEXT NOT NULL,
	name TEXT NOT NULL,
	release_time TEXT NOT NULL DEFAULT '',
	chapter_number REAL NOT NULL DEFAULT 0,
	page TEXT NOT NULL DEFAULT '1',
	position INTEGER NOT NULL DEFAULT 0,
	is_downloaded INTEGER NOT NULL DEFAULT 0,
	UNIQUE(novel_id, path)
);

CREATE TABLE IF NOT EXISTS categories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	sort INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO categories (id, name, sort) VALUES (1, 'Default', 1);

CREATE TABLE IF NOT EXISTS novel_categories (
	novel_id INTEGER NOT NULL REFERENCES novels(id) ON DELETE CASCADE,
	category_id INTEGER NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
	PRIMARY KEY (novel_id, category_id)
);
`

// InitDB opens the SQLite database at path and creates the schema if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// A single writer avoids SQLITE_BUSY between the queue loop and API handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
