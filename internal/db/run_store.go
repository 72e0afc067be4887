package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RunRecord is one persisted experiment invocation.
type RunRecord struct {
	RunID       string          `json:"run_id"`
	Experiment  string          `json:"experiment"`
	TargetLabel string          `json:"target_label,omitempty"`
	Recipe      json.RawMessage `json:"recipe,omitempty"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	FitResult   json.RawMessage `json:"fit_result,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// RunStore provides persistence for experiment run bookkeeping.
type RunStore struct {
	db *DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// InsertRun creates a new run record when an experiment starts.
func (s *RunStore) InsertRun(record RunRecord) error {
	query := `
		INSERT INTO runs (run_id, experiment, target_label, recipe, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(query,
			record.RunID,
			record.Experiment,
			nullStr(record.TargetLabel),
			nullJSON(record.Recipe),
			record.Status,
			record.StartedAt.UTC().Format(time.RFC3339),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", record.RunID, err)
	}
	return nil
}

// CompleteRun updates a run record with its final status and fit result.
func (s *RunStore) CompleteRun(runID, status, errMsg string, fitResult json.RawMessage, completedAt time.Time) error {
	query := `
		UPDATE runs SET status = ?, error = ?, fit_result = ?, completed_at = ?
		WHERE run_id = ?
	`
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(query,
			status,
			nullStr(errMsg),
			nullJSON(fitResult),
			completedAt.UTC().Format(time.RFC3339),
			runID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("completing run %s: %w", runID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *RunStore) ListRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, experiment, target_label, recipe, status, error, fit_result,
		       started_at, completed_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var label, errMsg, recipe, fit sql.NullString
		var started string
		var completed sql.NullString
		if err := rows.Scan(&r.RunID, &r.Experiment, &label, &recipe, &r.Status,
			&errMsg, &fit, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.TargetLabel = label.String
		r.Error = errMsg.String
		if recipe.Valid {
			r.Recipe = json.RawMessage(recipe.String)
		}
		if fit.Valid {
			r.FitResult = json.RawMessage(fit.String)
		}
		if t, err := time.Parse(time.RFC3339, started); err == nil {
			r.StartedAt = t
		}
		if completed.Valid {
			if t, err := time.Parse(time.RFC3339, completed.String); err == nil {
				r.CompletedAt = &t
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertPipelineResult records one stage result of a characterization run.
func (s *RunStore) InsertPipelineResult(targetLabel, stage, runID string, fitResult json.RawMessage) error {
	query := `
		INSERT INTO pipeline_results (target_label, stage, run_id, fit_result)
		VALUES (?, ?, ?, ?)
	`
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(query, targetLabel, stage, nullStr(runID), nullJSON(fitResult))
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting pipeline result for %s/%s: %w", targetLabel, stage, err)
	}
	return nil
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
