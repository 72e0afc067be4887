// Package db provides sqlite persistence for registered targets, measurement
// runs, and their fit results.
package db

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if necessary) the sqlite database at path and
// bootstraps the base schema. Schema evolution beyond the baseline is handled
// by MigrateUp over the migrations directory.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// modernc sqlite serializes at the driver level; one connection avoids
	// SQLITE_BUSY churn under the orchestrator + HTTP surface.
	sqlDB.SetMaxOpenConns(1)

	_, err = sqlDB.Exec(`
		CREATE TABLE IF NOT EXISTS targets (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			label             TEXT NOT NULL DEFAULT '',
			anchor_x          DOUBLE NOT NULL,
			anchor_y          DOUBLE NOT NULL,
			anchor_z          DOUBLE NOT NULL,
			shift_x           DOUBLE NOT NULL DEFAULT 0,
			shift_y           DOUBLE NOT NULL DEFAULT 0,
			shift_z           DOUBLE NOT NULL DEFAULT 0,
			odmr_freq         DOUBLE,
			rabi_period       DOUBLE,
			t1                DOUBLE,
			t2                DOUBLE,
			updated_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE UNIQUE INDEX IF NOT EXISTS targets_label_unique
			ON targets(label) WHERE label <> '';
		CREATE TABLE IF NOT EXISTS runs (
			run_id            TEXT PRIMARY KEY,
			experiment        TEXT NOT NULL,
			target_label      TEXT,
			recipe            TEXT,
			status            TEXT NOT NULL,
			error             TEXT,
			fit_result        TEXT,
			started_at        TIMESTAMP NOT NULL,
			completed_at      TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS pipeline_results (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			target_label      TEXT NOT NULL,
			stage             TEXT NOT NULL,
			run_id            TEXT,
			fit_result        TEXT,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{sqlDB}, nil
}

// retryOnBusy retries a sqlite operation a few times when the database
// reports it is locked by another writer.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
