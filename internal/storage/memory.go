package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"adaptrl/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	checkpoints map[string]model.Checkpoint
	metrics     map[string][]model.MetricRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.checkpoints = make(map[string]model.Checkpoint)
	s.metrics = make(map[string][]model.MetricRecord)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	run.Config = append([]byte(nil), run.Config...)
	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return model.RunRecord{}, false, nil
	}
	run.Config = append([]byte(nil), run.Config...)
	return run, true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		run.Config = append([]byte(nil), run.Config...)
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.checkpoints[checkpoint.Ref] = copyCheckpoint(checkpoint)
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, ref string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, ok := s.checkpoints[ref]
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	return copyCheckpoint(checkpoint), true, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, runID string) ([]model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Checkpoint
	for _, checkpoint := range s.checkpoints {
		if checkpoint.RunID == runID {
			out = append(out, copyCheckpoint(checkpoint))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Step == out[j].Step {
			return out[i].Ref < out[j].Ref
		}
		return out[i].Step < out[j].Step
	})
	return out, nil
}

func (s *MemoryStore) AppendMetrics(_ context.Context, runID string, metrics []model.MetricRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	for _, m := range metrics {
		s.metrics[runID] = append(s.metrics[runID], copyMetric(m))
	}
	return nil
}

func (s *MemoryStore) GetMetrics(_ context.Context, runID string) ([]model.MetricRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics, ok := s.metrics[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.MetricRecord, len(metrics))
	for i, m := range metrics {
		copied[i] = copyMetric(m)
	}
	return copied, true, nil
}

func copyCheckpoint(c model.Checkpoint) model.Checkpoint {
	c.Payload = append([]byte(nil), c.Payload...)
	if c.Normalizers != nil {
		normalizers := make(map[string]model.NormalizerState, len(c.Normalizers))
		for k, v := range c.Normalizers {
			normalizers[k] = v
		}
		c.Normalizers = normalizers
	}
	return c
}

func copyMetric(m model.MetricRecord) model.MetricRecord {
	if m.MeanReward != nil {
		mean := make(map[string]float64, len(m.MeanReward))
		for k, v := range m.MeanReward {
			mean[k] = v
		}
		m.MeanReward = mean
	}
	return m
}

func sortRuns(runs []model.RunRecord) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC == runs[j].CreatedAtUTC {
			return runs[i].RunID > runs[j].RunID
		}
		return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
	})
}
