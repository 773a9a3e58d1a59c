package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the downloads table if
// it doesn't exist. ":memory:" gives a private in-memory database.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'downloading',
		error TEXT NOT NULL DEFAULT '',
		bytes INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		finished_at TEXT
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create downloads table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_downloads_build_status ON downloads (build_id, status)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create downloads index: %w", err)
	}

	return db, nil
}
