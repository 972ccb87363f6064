//go:build sqlite

package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"

	"adaptrl/internal/model"
)

func TestSQLiteStoreRunCheckpointAndMetrics(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "adaptrl.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	run := model.RunRecord{
		VersionedRecord: CurrentVersion(),
		RunID:           "run-1",
		Environment:     "arena-gt",
		CreatedAtUTC:    "2026-01-01T00:00:00Z",
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	run.Ticks = 40
	run.Completed = true
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("upsert run: %v", err)
	}
	loaded, ok, err := store.GetRun(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%t err=%v", ok, err)
	}
	if loaded.Ticks != 40 || !loaded.Completed {
		t.Fatalf("expected upserted run, got %+v", loaded)
	}
	runs, err := store.ListRuns(ctx)
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %+v %v", runs, err)
	}

	for _, step := range []int64{20, 10} {
		cp := model.Checkpoint{
			VersionedRecord: CurrentVersion(),
			Ref:             "run-1/ckpt-" + strconv.FormatInt(step, 10),
			RunID:           "run-1",
			Step:            step,
			Payload:         json.RawMessage(`{}`),
		}
		if err := store.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("save checkpoint: %v", err)
		}
	}
	checkpoints, err := store.ListCheckpoints(ctx, "run-1")
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(checkpoints) != 2 || checkpoints[0].Step != 10 {
		t.Fatalf("unexpected checkpoints: %+v", checkpoints)
	}
	if _, ok, err := store.GetCheckpoint(ctx, "run-1/ckpt-10"); err != nil || !ok {
		t.Fatalf("get checkpoint: ok=%t err=%v", ok, err)
	}

	if err := store.AppendMetrics(ctx, "run-1", []model.MetricRecord{{Step: 1}, {Step: 2}}); err != nil {
		t.Fatalf("append metrics: %v", err)
	}
	if err := store.AppendMetrics(ctx, "run-1", []model.MetricRecord{{Step: 3}}); err != nil {
		t.Fatalf("append metrics: %v", err)
	}
	metrics, ok, err := store.GetMetrics(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get metrics: ok=%t err=%v", ok, err)
	}
	if len(metrics) != 3 || metrics[2].Step != 3 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}
