package trainer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"adaptrl/internal/aggregate"
	"adaptrl/internal/logs"
	"adaptrl/internal/model"
	"adaptrl/internal/normalize"
	"adaptrl/internal/policy"
	"adaptrl/internal/stats"
	"adaptrl/internal/storage"
)

type flakyStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("disk busy")
	}
	return s.MemoryStore.SaveCheckpoint(ctx, checkpoint)
}

type recordingSink struct {
	mu          sync.Mutex
	metrics     []model.MetricRecord
	checkpoints []stats.CheckpointEntry
	onMetric    func(model.MetricRecord)
}

func (s *recordingSink) AppendMetric(record model.MetricRecord) error {
	s.mu.Lock()
	s.metrics = append(s.metrics, record)
	s.mu.Unlock()
	if s.onMetric != nil {
		s.onMetric(record)
	}
	return nil
}

func (s *recordingSink) AppendCheckpoint(entry stats.CheckpointEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, entry)
	return nil
}

func newFlakyStore(t *testing.T, failures int) *flakyStore {
	t.Helper()
	mem := storage.NewMemoryStore()
	if err := mem.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return &flakyStore{MemoryStore: mem, failures: failures}
}

func testJob(step int64) checkpointJob {
	return checkpointJob{
		step:    step,
		weights: policy.Weights{ObservationSize: 1, ActionSize: 1, Matrix: [][]float64{{0.5, -0.5}}},
		stats: map[string]aggregate.StreamStats{
			"ionia": {Rewards: &normalize.Stats{Count: 2, Mean: []float64{1}, M2: []float64{0.5}}},
		},
	}
}

func TestCheckpointerRetriesTransientFailures(t *testing.T) {
	store := newFlakyStore(t, 2)
	sink := &recordingSink{}
	cp := newCheckpointer("run", "ionia", store, sink, logs.Discard(),
		RetryPolicy{InitialBackoff: time.Millisecond, MaxAttempts: 3}, time.Now)
	cp.start(context.Background())

	ref, err := cp.submit(context.Background(), testJob(10))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ref != "run/ckpt-10" {
		t.Fatalf("unexpected submitted ref %q", ref)
	}
	if err := cp.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if cp.latestRef() != "run/ckpt-10" || cp.count() != 1 {
		t.Fatalf("unexpected checkpointer state: ref=%q count=%d", cp.latestRef(), cp.count())
	}

	saved, ok, err := store.GetCheckpoint(context.Background(), "run/ckpt-10")
	if err != nil || !ok {
		t.Fatalf("expected persisted checkpoint: ok=%t err=%v", ok, err)
	}
	if saved.Normalizers["ionia"].Rewards == nil || saved.Normalizers["ionia"].Rewards.Count != 2 {
		t.Fatalf("unexpected normalizers: %+v", saved.Normalizers)
	}
	w, err := DecodeWeights(saved)
	if err != nil || w.Matrix[0][1] != -0.5 {
		t.Fatalf("unexpected weights: %+v err=%v", w, err)
	}
	if len(sink.checkpoints) != 1 || sink.checkpoints[0].Step != 10 {
		t.Fatalf("unexpected sink entries: %+v", sink.checkpoints)
	}
}

func TestCheckpointerReportsPermanentFailure(t *testing.T) {
	store := newFlakyStore(t, 100)
	cp := newCheckpointer("run", "ionia", store, nil, logs.Discard(),
		RetryPolicy{InitialBackoff: time.Millisecond, MaxAttempts: 2}, time.Now)
	cp.start(context.Background())

	_, _ = cp.submit(context.Background(), testJob(1))
	_, _ = cp.submit(context.Background(), testJob(2))
	if err := cp.close(); err == nil {
		t.Fatal("expected checkpoint failure")
	}
	if cp.latestRef() != "" {
		t.Fatalf("expected no latest ref, got %q", cp.latestRef())
	}
	// the second job is skipped once the first one failed
	if store.calls != 2 {
		t.Fatalf("expected 2 save attempts, got %d", store.calls)
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := normalizeRetryPolicy(RetryPolicy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 25 * time.Millisecond, BackoffFactor: 2})
	if p.MaxAttempts != 3 {
		t.Fatalf("expected default attempts, got %d", p.MaxAttempts)
	}
	if got := p.backoff(1); got != 10*time.Millisecond {
		t.Fatalf("attempt 1 backoff %v", got)
	}
	if got := p.backoff(2); got != 20*time.Millisecond {
		t.Fatalf("attempt 2 backoff %v", got)
	}
	if got := p.backoff(3); got != 25*time.Millisecond {
		t.Fatalf("attempt 3 backoff %v", got)
	}
}

func TestNormalizerStateConversionRoundTrip(t *testing.T) {
	in := map[string]aggregate.StreamStats{
		"noxus": {Observations: &normalize.Stats{Count: 3, Mean: []float64{1, 2}, M2: []float64{3, 4}}},
	}
	out := StreamStats(NormalizerStates(in))
	obs := out["noxus"].Observations
	if obs == nil || obs.Count != 3 || obs.Mean[1] != 2 || obs.M2[0] != 3 || out["noxus"].Rewards != nil {
		t.Fatalf("unexpected round trip: %+v", out)
	}
	if NormalizerStates(nil) != nil {
		t.Fatal("expected nil for empty stats")
	}
}

type slowStore struct {
	*storage.MemoryStore
	delay time.Duration
}

func (s *slowStore) SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error {
	time.Sleep(s.delay)
	return s.MemoryStore.SaveCheckpoint(ctx, checkpoint)
}

func TestCheckpointerAwaitWaitsForSubmittedRef(t *testing.T) {
	mem := storage.NewMemoryStore()
	if err := mem.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	store := &slowStore{MemoryStore: mem, delay: 20 * time.Millisecond}
	cp := newCheckpointer("run", "ionia", store, nil, logs.Discard(), RetryPolicy{}, time.Now)
	cp.start(context.Background())
	defer func() {
		_ = cp.close()
	}()

	ref, err := cp.submit(context.Background(), testJob(5))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := cp.await(context.Background(), ref); err != nil {
		t.Fatalf("await: %v", err)
	}
	if _, ok, _ := store.GetCheckpoint(context.Background(), ref); !ok {
		t.Fatal("expected checkpoint in store once await returns")
	}
	// refs this checkpointer never saw do not block
	if err := cp.await(context.Background(), "other/ckpt-1"); err != nil {
		t.Fatalf("await unknown ref: %v", err)
	}
}
