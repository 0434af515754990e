package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Task status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Record is the outcome of one series in one run.
type Record struct {
	RunID      string
	Dataset    string
	SeriesUID  string
	CachePath  string
	MaskPath   string
	Status     string
	Error      string
	DurationMS int64
	UpdatedAt  time.Time
}

// Manifest stores run outcomes in SQLite, one row per (run, dataset, series).
type Manifest struct {
	db *sql.DB
}

// OpenManifest opens or creates the manifest database at dbPath. Parent
// directories are created if they do not exist.
func OpenManifest(dbPath string) (*Manifest, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create manifest directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	// workers record concurrently; serialise writers at the pool
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Manifest{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS series_runs (
		run_id TEXT NOT NULL,
		dataset TEXT NOT NULL,
		series_uid TEXT NOT NULL,
		cache_path TEXT,
		mask_path TEXT,
		status TEXT NOT NULL,
		error TEXT,
		duration_ms INTEGER,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, dataset, series_uid)
	);

	CREATE INDEX IF NOT EXISTS idx_series_runs_series ON series_runs(dataset, series_uid);
	`
	_, err := db.Exec(schema)
	return err
}

// Record upserts rec.
func (m *Manifest) Record(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO series_runs (run_id, dataset, series_uid, cache_path, mask_path, status, error, duration_ms, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, dataset, series_uid) DO UPDATE SET
			cache_path = excluded.cache_path,
			mask_path = excluded.mask_path,
			status = excluded.status,
			error = excluded.error,
			duration_ms = excluded.duration_ms,
			updated_at = excluded.updated_at`,
		rec.RunID, rec.Dataset, rec.SeriesUID, rec.CachePath, rec.MaskPath,
		rec.Status, rec.Error, rec.DurationMS, rec.UpdatedAt,
	)
	return err
}

// ListRun returns the records of runID ordered by dataset and series.
func (m *Manifest) ListRun(ctx context.Context, runID string) ([]Record, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT run_id, dataset, series_uid, cache_path, mask_path, status, error, duration_ms, updated_at
		 FROM series_runs WHERE run_id = ? ORDER BY dataset, series_uid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var cachePath, maskPath, errMsg sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&rec.RunID, &rec.Dataset, &rec.SeriesUID, &cachePath, &maskPath,
			&rec.Status, &errMsg, &duration, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.CachePath = cachePath.String
		rec.MaskPath = maskPath.String
		rec.Error = errMsg.String
		rec.DurationMS = duration.Int64
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (m *Manifest) Close() error {
	return m.db.Close()
}
