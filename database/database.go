package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// task statuses
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

// sqliteDSN applies per-connection settings every pooled connection needs.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_foreign_keys=on"
}

func InitDB(dataSourceName string, log *zap.SugaredLogger) (*sql.DB, error) {
	if dir := filepath.Dir(dataSourceName); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", sqliteDSN(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable write-ahead Logging for better concurrency
	if _, err = db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		log.Warnf("database: failed to set WAL mode: %v", err)
	}

	sqlStmt := `
	CREATE TABLE IF NOT EXISTS assets (
		theme TEXT NOT NULL,
		name TEXT NOT NULL,
		size INTEGER NOT NULL,
		content_type TEXT NOT NULL,
		digest TEXT,
		created_at INTEGER NOT NULL,
		thumbnail_path TEXT,
		width INTEGER,
		height INTEGER,
		aperture REAL,
		shutter_speed TEXT,
		iso INTEGER,
		focal_length REAL,
		lens_make TEXT,
		lens_model TEXT,
		camera_make TEXT,
		camera_model TEXT,
		taken_at INTEGER,
		thumbnail_status TEXT NOT NULL DEFAULT 'pending',
		metadata_status TEXT NOT NULL DEFAULT 'pending',
		thumbnail_processed_at INTEGER,
		metadata_processed_at INTEGER,
		thumbnail_error TEXT,
		metadata_error TEXT,
		PRIMARY KEY (theme, name)
	);
	`
	if _, err = db.Exec(sqlStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create assets table: %w", err)
	}

	log.Infof("database: initialized successfully at %s", dataSourceName)
	return db, nil
}
