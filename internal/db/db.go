// Package db opens the workspace-local SQLite database that backs the
// audit trail: bookings, runs, run narration and the access log.
package db

import (
	"database/sql"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const stateDirName = ".soloride"

type Config struct {
	Workspace string
}

// Path returns where the workspace keeps its database file.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDirName, "soloride.db")
}

// Open creates the state directory if needed and opens the database.
// busy_timeout covers the window where a run and the access log write
// concurrently; a single connection keeps writes serialized.
func Open(cfg Config) (*sql.DB, error) {
	file := Path(cfg.Workspace)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	conn, err := sql.Open("sqlite", "file:"+file+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}
