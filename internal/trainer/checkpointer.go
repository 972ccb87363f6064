package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"adaptrl/internal/aggregate"
	"adaptrl/internal/model"
	"adaptrl/internal/policy"
	"adaptrl/internal/stats"
	"adaptrl/internal/storage"
)

// RetryPolicy bounds how hard the checkpoint routine retries a failing store
// write before giving up on the run.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	MaxAttempts    int
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		BackoffFactor:  2.0,
		MaxAttempts:    3,
	}
}

func normalizeRetryPolicy(rp RetryPolicy) RetryPolicy {
	def := defaultRetryPolicy()
	if rp.InitialBackoff <= 0 {
		rp.InitialBackoff = def.InitialBackoff
	}
	if rp.MaxBackoff <= 0 {
		rp.MaxBackoff = def.MaxBackoff
	}
	if rp.MaxBackoff < rp.InitialBackoff {
		rp.MaxBackoff = rp.InitialBackoff
	}
	if rp.BackoffFactor < 1 {
		rp.BackoffFactor = def.BackoffFactor
	}
	if rp.MaxAttempts <= 0 {
		rp.MaxAttempts = def.MaxAttempts
	}
	return rp
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffFactor
		if time.Duration(d) >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return time.Duration(d)
}

// CheckpointRef names the checkpoint of runID taken after step.
func CheckpointRef(runID string, step int64) string {
	return fmt.Sprintf("%s/ckpt-%d", runID, step)
}

type checkpointJob struct {
	step    int64
	weights policy.Weights
	stats   map[string]aggregate.StreamStats

	ref  string
	done chan struct{}
}

// checkpointer persists learner snapshots on its own goroutine. The stepping
// loop only waits when it needs a submitted checkpoint back, see await.
type checkpointer struct {
	runID    string
	behavior string
	store    storage.Store
	sink     MetricSink
	logger   *slog.Logger
	policy   RetryPolicy
	now      func() time.Time

	jobs chan checkpointJob
	done chan struct{}

	mu      sync.Mutex
	pending map[string]chan struct{}
	latest  string
	saved   int
	err     error
}

func newCheckpointer(runID, behavior string, store storage.Store, sink MetricSink, logger *slog.Logger, retry RetryPolicy, now func() time.Time) *checkpointer {
	return &checkpointer{
		runID:    runID,
		behavior: behavior,
		store:    store,
		sink:     sink,
		logger:   logger,
		policy:   normalizeRetryPolicy(retry),
		now:      now,
		jobs:     make(chan checkpointJob, 4),
		done:     make(chan struct{}),
		pending:  make(map[string]chan struct{}),
	}
}

func (c *checkpointer) start(ctx context.Context) {
	go func() {
		defer close(c.done)
		for job := range c.jobs {
			var err error
			if !c.failed() {
				err = c.save(ctx, job)
			}
			c.mu.Lock()
			switch {
			case err != nil:
				c.err = fmt.Errorf("checkpoint step %d: %w", job.step, err)
			case c.err == nil:
				c.latest = job.ref
				c.saved++
			}
			delete(c.pending, job.ref)
			c.mu.Unlock()
			close(job.done)
		}
	}()
}

// submit queues job and returns the ref it will be stored under. Jobs are
// saved in submission order.
func (c *checkpointer) submit(ctx context.Context, job checkpointJob) (string, error) {
	job.ref = CheckpointRef(c.runID, job.step)
	job.done = make(chan struct{})
	c.mu.Lock()
	c.pending[job.ref] = job.done
	c.mu.Unlock()
	select {
	case c.jobs <- job:
		return job.ref, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, job.ref)
		c.mu.Unlock()
		return "", ctx.Err()
	}
}

// await blocks until ref, if it was submitted here and is still queued, has
// been handled. It reports the first save failure.
func (c *checkpointer) await(ctx context.Context, ref string) error {
	c.mu.Lock()
	done, ok := c.pending[ref]
	c.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// close drains pending jobs and reports the first failure.
func (c *checkpointer) close() error {
	close(c.jobs)
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *checkpointer) failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

// latestRef is the most recent checkpoint that is safely in the store.
func (c *checkpointer) latestRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

func (c *checkpointer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved
}

func (c *checkpointer) save(ctx context.Context, job checkpointJob) error {
	payload, err := json.Marshal(job.weights)
	if err != nil {
		return err
	}
	ref := job.ref
	createdAt := c.now().UTC().Format(time.RFC3339Nano)
	checkpoint := model.Checkpoint{
		VersionedRecord: storage.CurrentVersion(),
		Ref:             ref,
		RunID:           c.runID,
		Step:            job.step,
		Behavior:        c.behavior,
		CreatedAtUTC:    createdAt,
		Payload:         payload,
		Normalizers:     NormalizerStates(job.stats),
	}

	for attempt := 1; ; attempt++ {
		err = c.store.SaveCheckpoint(ctx, checkpoint)
		if err == nil {
			break
		}
		if attempt >= c.policy.MaxAttempts {
			return err
		}
		wait := c.policy.backoff(attempt)
		c.logger.WarnContext(ctx, "checkpoint save failed, retrying", "ref", ref, "attempt", attempt, "backoff", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if c.sink != nil {
		if err := c.sink.AppendCheckpoint(stats.CheckpointEntry{
			Ref:          ref,
			Step:         job.step,
			Behavior:     c.behavior,
			CreatedAtUTC: createdAt,
		}); err != nil {
			return err
		}
	}
	c.logger.DebugContext(ctx, "checkpoint saved", "ref", ref, "step", job.step)
	return nil
}
