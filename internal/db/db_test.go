package db

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nvlab-data/autochar/internal/instrument"
	"github.com/nvlab-data/autochar/internal/targets"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	database, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestNewDBBootstrapsSchema(t *testing.T) {
	database := testDB(t)
	for _, table := range []string{"targets", "runs", "pipeline_results"} {
		var name string
		err := database.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestTargetStoreRoundTrip(t *testing.T) {
	store := NewTargetStore(testDB(t))

	freq := 2.87e9
	period := 200e-9
	in := []targets.Target{
		{
			Label:      "NV1",
			Anchor:     instrument.Position{1e-6, 2e-6, 3e-7},
			Shift:      instrument.Position{1e-8, 0, 0},
			OdmrFreq:   &freq,
			RabiPeriod: &period,
		},
		{Label: "NV2", Anchor: instrument.Position{4e-6, 5e-6, 0}},
	}
	if err := store.SaveTargets(in); err != nil {
		t.Fatalf("SaveTargets: %v", err)
	}

	out, err := store.LoadTargets()
	if err != nil {
		t.Fatalf("LoadTargets: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestTargetStoreUnlabeledTargets(t *testing.T) {
	store := NewTargetStore(testDB(t))

	// The registry never dedupes empty labels, so a snapshot with several
	// unlabeled targets must persist and reload intact, in order.
	in := []targets.Target{
		{Anchor: instrument.Position{1, 0, 0}},
		{Anchor: instrument.Position{2, 0, 0}},
		{Label: "NV1", Anchor: instrument.Position{3, 0, 0}},
		{Anchor: instrument.Position{4, 0, 0}},
	}
	if err := store.SaveTargets(in); err != nil {
		t.Fatalf("SaveTargets: %v", err)
	}
	out, err := store.LoadTargets()
	if err != nil {
		t.Fatalf("LoadTargets: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	// Non-empty labels stay unique.
	err = store.SaveTargets([]targets.Target{
		{Label: "NV1", Anchor: instrument.Position{1, 0, 0}},
		{Label: "NV1", Anchor: instrument.Position{2, 0, 0}},
	})
	if err == nil {
		t.Error("duplicate non-empty labels should be rejected")
	}
}

func TestTargetStoreSaveReplaces(t *testing.T) {
	store := NewTargetStore(testDB(t))

	if err := store.SaveTargets([]targets.Target{
		{Label: "a", Anchor: instrument.Position{1, 0, 0}},
		{Label: "b", Anchor: instrument.Position{2, 0, 0}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveTargets([]targets.Target{
		{Label: "c", Anchor: instrument.Position{3, 0, 0}},
	}); err != nil {
		t.Fatal(err)
	}

	out, err := store.LoadTargets()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Label != "c" {
		t.Errorf("loaded = %+v, want just the replacement set", out)
	}
}

func TestRunStoreLifecycle(t *testing.T) {
	store := NewRunStore(testDB(t))

	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rec := RunRecord{
		RunID:       "run-1",
		Experiment:  "rabi",
		TargetLabel: "NV1",
		Recipe:      json.RawMessage(`{"points":50}`),
		Status:      "running",
		StartedAt:   started,
	}
	if err := store.InsertRun(rec); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	completed := started.Add(time.Minute)
	fit := json.RawMessage(`{"function":"sine_decay","params":{"frequency":5e6}}`)
	if err := store.CompleteRun("run-1", "completed", "", fit, completed); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	runs, err := store.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	got := runs[0]
	if got.RunID != "run-1" || got.Experiment != "rabi" || got.Status != "completed" {
		t.Errorf("run = %+v", got)
	}
	if got.Error != "" {
		t.Errorf("error = %q, want empty", got.Error)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("started = %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("completed = %v, want %v", got.CompletedAt, completed)
	}
	if string(got.FitResult) != string(fit) {
		t.Errorf("fit = %s", got.FitResult)
	}
}

func TestRunStoreErrorCompletion(t *testing.T) {
	store := NewRunStore(testDB(t))

	start := time.Now().UTC().Truncate(time.Second)
	if err := store.InsertRun(RunRecord{
		RunID: "run-err", Experiment: "hahnecho", Status: "running", StartedAt: start,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteRun("run-err", "error", "fit rejected", nil, start.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	runs, err := store.ListRuns(0) // zero falls back to the default limit
	if err != nil {
		t.Fatal(err)
	}
	if runs[0].Status != "error" || runs[0].Error != "fit rejected" {
		t.Errorf("run = %+v", runs[0])
	}
	if runs[0].TargetLabel != "" {
		t.Errorf("label = %q, want empty", runs[0].TargetLabel)
	}
	if runs[0].FitResult != nil {
		t.Errorf("fit = %s, want none", runs[0].FitResult)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := NewRunStore(testDB(t))

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		if err := store.InsertRun(RunRecord{
			RunID: id, Experiment: "rabi", Status: "running",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].RunID != "new" || runs[1].RunID != "mid" {
		t.Errorf("runs = %+v, want newest two first", runs)
	}
}

func TestInsertPipelineResult(t *testing.T) {
	database := testDB(t)
	store := NewRunStore(database)

	if err := store.InsertPipelineResult("NV1", "rabi", "run-1",
		json.RawMessage(`{"function":"sine_decay"}`)); err != nil {
		t.Fatalf("InsertPipelineResult: %v", err)
	}
	if err := store.InsertPipelineResult("NV1", "hahnecho", "", nil); err != nil {
		t.Fatalf("InsertPipelineResult without run: %v", err)
	}

	var count int
	if err := database.QueryRow(
		`SELECT COUNT(*) FROM pipeline_results WHERE target_label = 'NV1'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("pipeline results = %d, want 2", count)
	}
}

func TestMigrateUpAndDown(t *testing.T) {
	database := testDB(t)
	dir := filepath.Join("..", "..", "migrations")

	if err := database.MigrateUp(dir); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	version, dirty, err := database.MigrateVersion(dir)
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if dirty || version == 0 {
		t.Errorf("version = %d dirty = %v", version, dirty)
	}

	// Up again is a no-op.
	if err := database.MigrateUp(dir); err != nil {
		t.Errorf("second MigrateUp: %v", err)
	}
	if err := database.MigrateDown(dir); err != nil {
		t.Errorf("MigrateDown: %v", err)
	}
}

func TestRetryOnBusyGivesUp(t *testing.T) {
	calls := 0
	err := retryOnBusy(func() error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Fatal("expected the busy error to surface")
	}
	if calls != 5 {
		t.Errorf("attempts = %d, want 5", calls)
	}

	calls = 0
	if err := retryOnBusy(func() error { calls++; return nil }); err != nil || calls != 1 {
		t.Errorf("clean call: err=%v calls=%d", err, calls)
	}
}
