// Package trainer drives an environment with policies through the step
// aggregator and carries out the advice it returns.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"adaptrl/internal/aggregate"
	"adaptrl/internal/logs"
	"adaptrl/internal/model"
	"adaptrl/internal/policy"
	"adaptrl/internal/scape"
	"adaptrl/internal/selfplay"
	"adaptrl/internal/stats"
	"adaptrl/internal/storage"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// MetricSink receives training artifacts as they are produced.
// *stats.RunWriter implements it.
type MetricSink interface {
	AppendMetric(record model.MetricRecord) error
	AppendCheckpoint(entry stats.CheckpointEntry) error
}

type Config struct {
	RunID             string
	MaxSteps          int64
	CheckpointEvery   int64
	LogEvery          int64
	PerformanceWindow int
	// LearnerBehavior is trained; every other behavior is driven by the
	// opponent policy.
	LearnerBehavior string
	Retry           RetryPolicy
}

type Options struct {
	Config      Config
	Environment scape.Environment
	Aggregator  *aggregate.Aggregator
	Learner     policy.Policy
	Opponent    policy.Policy
	Store       storage.Store
	Sink        MetricSink
	Logger      *slog.Logger
	Now         func() time.Time
	// Resume restores learner weights and normalizer state before the first
	// tick.
	Resume *model.Checkpoint
	// SeedPool is pushed into the self-play pool before the first tick.
	SeedPool []string
}

type Summary struct {
	RunID       string   `json:"run_id"`
	Ticks       int64    `json:"ticks"`
	Lesson      int      `json:"lesson"`
	Pool        []string `json:"pool"`
	Score       float64  `json:"score"`
	Episodes    int      `json:"episodes"`
	Snapshots   int      `json:"snapshots"`
	Swaps       int      `json:"swaps"`
	Checkpoints int      `json:"checkpoints"`
	Cancelled   bool     `json:"cancelled,omitempty"`
}

type Runner struct {
	cfg      Config
	env      scape.Environment
	agg      *aggregate.Aggregator
	learner  policy.Policy
	opponent policy.Policy
	store    storage.Store
	sink     MetricSink
	logger   *slog.Logger
	now      func() time.Time
	resume   *model.Checkpoint
	seedPool []string

	episodes     *episodeTracker
	rewardSums   map[string]float64
	rewardCounts map[string]int
	opponentName string
	// submittedRef is the newest checkpoint handed to the checkpointer and
	// submittedStep its step. It is offered to the self-play pool until
	// pooledRef catches up.
	submittedRef  string
	submittedStep int64
	pooledRef     string
}

func NewRunner(opts Options) (*Runner, error) {
	switch {
	case opts.Environment == nil:
		return nil, errors.New("environment is required")
	case opts.Aggregator == nil:
		return nil, errors.New("aggregator is required")
	case opts.Learner == nil || opts.Opponent == nil:
		return nil, errors.New("learner and opponent policies are required")
	case opts.Store == nil:
		return nil, errors.New("store is required")
	}
	cfg := opts.Config
	if cfg.RunID == "" {
		return nil, stats.ErrRunIDRequired
	}
	if cfg.MaxSteps <= 0 {
		return nil, fmt.Errorf("max steps must be > 0, got %d", cfg.MaxSteps)
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = cfg.MaxSteps
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = cfg.MaxSteps
	}
	if cfg.LearnerBehavior == "" {
		cfg.LearnerBehavior = scape.BehaviorIonia
	}
	logger := opts.Logger
	if logger == nil {
		logger = logs.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		cfg:          cfg,
		env:          opts.Environment,
		agg:          opts.Aggregator,
		learner:      opts.Learner,
		opponent:     opts.Opponent,
		store:        opts.Store,
		sink:         opts.Sink,
		logger:       logger.With("component", "trainer"),
		now:          now,
		resume:       opts.Resume,
		seedPool:     append([]string(nil), opts.SeedPool...),
		episodes:     newEpisodeTracker(cfg.PerformanceWindow),
		rewardSums:   make(map[string]float64),
		rewardCounts: make(map[string]int),
		opponentName: "initial",
	}, nil
}

// Run steps the environment until MaxSteps ticks have been aggregated or ctx
// is cancelled. Cancellation is not an error; the summary reports it.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	ctx = logs.WithRun(ctx, r.cfg.RunID)
	summary := Summary{RunID: r.cfg.RunID}

	if r.resume != nil {
		if err := r.restore(*r.resume); err != nil {
			return summary, err
		}
		r.logger.InfoContext(ctx, "resumed from checkpoint", "ref", r.resume.Ref)
	}
	for _, ref := range r.seedPool {
		r.agg.SelfPlay().Push(ref)
	}

	if err := r.env.Reset(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			summary.Cancelled = true
			return summary, nil
		}
		return summary, fmt.Errorf("reset %s: %w", r.env.Name(), err)
	}

	// Pending checkpoints are flushed even after cancellation.
	cp := newCheckpointer(r.cfg.RunID, r.cfg.LearnerBehavior, r.store, r.sink, r.logger, r.cfg.Retry, r.now)
	cp.start(context.WithoutCancel(ctx))

	var runErr error
	step := int64(0)
	for ; step < r.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}
		if err := r.tick(ctx, step, cp, &summary); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				summary.Cancelled = true
			} else {
				runErr = err
			}
			break
		}
	}
	summary.Ticks = step

	if runErr == nil && step > 0 && step != r.submittedStep {
		if _, err := cp.submit(context.WithoutCancel(ctx), r.checkpointJob(step)); err != nil {
			runErr = err
		}
	}
	if err := cp.close(); err != nil && runErr == nil {
		runErr = err
	}

	summary.Lesson = r.agg.Curriculum().Lesson()
	summary.Pool = r.agg.SelfPlay().Pool()
	summary.Score, _ = r.episodes.mean()
	summary.Episodes = r.episodes.episodes()
	summary.Checkpoints = cp.count()

	r.logger.InfoContext(ctx, "training finished",
		"ticks", summary.Ticks,
		"lesson", summary.Lesson,
		"score", summary.Score,
		"episodes", summary.Episodes,
		"swaps", summary.Swaps,
		"snapshots", summary.Snapshots,
		"cancelled", summary.Cancelled,
	)
	return summary, runErr
}

func (r *Runner) tick(ctx context.Context, step int64, cp *checkpointer, summary *Summary) error {
	// ckpt-N holds the learner after N updates, so it is taken before this
	// tick learns and is visible to the self-play decisions below.
	if step > 0 && step%r.cfg.CheckpointEvery == 0 {
		ref, err := cp.submit(ctx, r.checkpointJob(step))
		if err != nil {
			return err
		}
		r.submittedRef, r.submittedStep = ref, step
	}

	names := r.env.BehaviorNames()
	source, hasComponents := r.env.(scape.RewardSource)

	behaviors := make(map[string]scape.BehaviorSteps, len(names))
	var components map[string]map[string][]float64
	for _, name := range names {
		steps, err := r.env.Steps(name)
		if err != nil {
			return fmt.Errorf("read %s steps: %w", name, err)
		}
		behaviors[name] = steps
		r.observeRewards(name, steps)
		if !hasComponents {
			continue
		}
		if c := source.RewardComponents(name); len(c) > 0 {
			if components == nil {
				components = make(map[string]map[string][]float64, len(names))
			}
			components[name] = c
		}
	}

	tick := aggregate.Tick{Step: step, Behaviors: behaviors, Components: components}
	if perf, ok := r.episodes.mean(); ok {
		tick.Performance = &perf
	}
	if r.submittedRef != "" && r.submittedRef != r.pooledRef {
		tick.ModelRef = r.submittedRef
	}

	result, err := r.agg.Aggregate(tick)
	if err != nil {
		return fmt.Errorf("aggregate step %d: %w", step, err)
	}

	if record, ok := result.Records[r.cfg.LearnerBehavior]; ok {
		r.learner.Learn(record.AgentIDs, record.Rewards, record.Dones)
	}
	if err := r.carry(ctx, step, result.Advice, cp, summary); err != nil {
		return err
	}

	if step%r.cfg.LogEvery == 0 {
		if err := r.emitMetrics(ctx, step, cp); err != nil {
			return err
		}
	}

	for _, name := range result.Behaviors {
		active := behaviors[name].Active.Len()
		if active == 0 {
			continue
		}
		record := result.Records[name]
		actor := r.opponent
		if name == r.cfg.LearnerBehavior {
			actor = r.learner
		}
		var ids []int
		if len(record.AgentIDs) > 0 {
			ids = record.AgentIDs[:active]
		}
		actions, err := actor.Act(ctx, ids, record.Observations[:active])
		if err != nil {
			return fmt.Errorf("act %s: %w", name, err)
		}
		if err := r.env.SetActions(name, actions); err != nil {
			return err
		}
	}
	return r.env.Step(ctx)
}

func (r *Runner) carry(ctx context.Context, step int64, advice aggregate.Advice, cp *checkpointer, summary *Summary) error {
	if update := advice.Curriculum; update != nil {
		r.env.SetParameters(update.Parameters)
		r.logger.InfoContext(ctx, "curriculum advanced", "step", step, "lesson", update.Lesson, "parameters", update.Parameters)
	}
	if advice.Snapshot {
		r.pooledRef = advice.SnapshotRef
		summary.Snapshots++
		r.logger.DebugContext(ctx, "opponent pool snapshot", "step", step, "ref", advice.SnapshotRef)
	}
	if choice := advice.Opponent; choice != nil {
		if err := r.swapOpponent(ctx, *choice, cp); err != nil {
			return fmt.Errorf("swap opponent at step %d: %w", step, err)
		}
		summary.Swaps++
		r.opponentName = choice.String()
		r.logger.DebugContext(ctx, "opponent swapped", "step", step, "opponent", r.opponentName)
	}
	return nil
}

func (r *Runner) swapOpponent(ctx context.Context, choice selfplay.OpponentChoice, cp *checkpointer) error {
	if choice.Latest {
		return r.opponent.SetWeights(r.learner.Weights())
	}
	if err := cp.await(ctx, choice.Ref); err != nil {
		return err
	}
	checkpoint, ok, err := r.store.GetCheckpoint(ctx, choice.Ref)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, choice.Ref)
	}
	weights, err := DecodeWeights(checkpoint)
	if err != nil {
		return err
	}
	return r.opponent.SetWeights(weights)
}

func (r *Runner) restore(checkpoint model.Checkpoint) error {
	weights, err := DecodeWeights(checkpoint)
	if err != nil {
		return err
	}
	if err := r.learner.SetWeights(weights); err != nil {
		return fmt.Errorf("restore learner: %w", err)
	}
	if err := r.opponent.SetWeights(weights); err != nil {
		return fmt.Errorf("restore opponent: %w", err)
	}
	if len(checkpoint.Normalizers) > 0 {
		if err := r.agg.RestoreStats(StreamStats(checkpoint.Normalizers)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) observeRewards(name string, steps scape.BehaviorSteps) {
	for _, batch := range []scape.Batch{steps.Active, steps.Terminal} {
		for _, v := range batch.Rewards {
			r.rewardSums[name] += float64(v)
		}
		r.rewardCounts[name] += len(batch.Rewards)
	}
	if name != r.cfg.LearnerBehavior {
		return
	}
	r.episodes.observe(steps.Active.AgentIDs, steps.Active.Rewards, false)
	r.episodes.observe(steps.Terminal.AgentIDs, steps.Terminal.Rewards, true)
}

func (r *Runner) emitMetrics(ctx context.Context, step int64, cp *checkpointer) error {
	record := model.MetricRecord{
		Step:         step,
		TimestampUTC: r.now().UTC().Format(time.RFC3339Nano),
		Lesson:       r.agg.Curriculum().Lesson(),
		Opponent:     r.opponentName,
		MeanReward:   make(map[string]float64, len(r.rewardSums)),
		Episodes:     r.episodes.episodes(),
		PoolSize:     len(r.agg.SelfPlay().Pool()),
	}
	record.Performance, _ = r.episodes.mean()
	for name, sum := range r.rewardSums {
		if n := r.rewardCounts[name]; n > 0 {
			record.MeanReward[name] = sum / float64(n)
		}
	}
	clear(r.rewardSums)
	clear(r.rewardCounts)

	r.logger.InfoContext(ctx, "training progress",
		"step", step,
		"lesson", record.Lesson,
		"opponent", record.Opponent,
		"performance", record.Performance,
		"episodes", record.Episodes,
		"pool", record.PoolSize,
		"checkpoints", cp.count(),
		"latest_checkpoint", cp.latestRef(),
		"mean_reward", record.MeanReward,
	)

	if err := r.store.AppendMetrics(ctx, r.cfg.RunID, []model.MetricRecord{record}); err != nil {
		return fmt.Errorf("store metrics: %w", err)
	}
	if r.sink != nil {
		if err := r.sink.AppendMetric(record); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

func (r *Runner) checkpointJob(step int64) checkpointJob {
	return checkpointJob{step: step, weights: r.learner.Weights(), stats: r.agg.Stats()}
}
