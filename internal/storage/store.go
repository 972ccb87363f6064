package storage

import (
	"context"

	"adaptrl/internal/model"
)

// Store persists training runs, opponent checkpoints and metric history.
// Checkpoint refs are opaque to callers other than the store.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, runID string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error
	GetCheckpoint(ctx context.Context, ref string) (model.Checkpoint, bool, error)
	ListCheckpoints(ctx context.Context, runID string) ([]model.Checkpoint, error)
	AppendMetrics(ctx context.Context, runID string, metrics []model.MetricRecord) error
	GetMetrics(ctx context.Context, runID string) ([]model.MetricRecord, bool, error)
}
