package adaptrl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"adaptrl/internal/aggregate"
	"adaptrl/internal/config"
	"adaptrl/internal/curriculum"
	"adaptrl/internal/logs"
	"adaptrl/internal/model"
	"adaptrl/internal/policy"
	"adaptrl/internal/scape"
	"adaptrl/internal/selfplay"
	"adaptrl/internal/stats"
	"adaptrl/internal/storage"
	"adaptrl/internal/trainer"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "adaptrl.db"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *slog.Logger
}

type Client struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	initialized bool

	artifactsDir string
	exportsDir   string
}

type RunRequest struct {
	Config config.Config
	// ResumeFrom continues training from the last checkpoint of an earlier
	// run. Its most recent checkpoints also seed the self-play pool.
	ResumeFrom string
}

type RunSummary struct {
	trainer.Summary
	Environment  string `json:"environment"`
	ResumedFrom  string `json:"resumed_from,omitempty"`
	ArtifactsDir string `json:"artifacts_dir"`
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Environment  string
	Seed         int64
	MaxSteps     int64
	Ticks        int64
	Lesson       int
	Score        float64
}

type CheckpointsRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type MetricsRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type MetricsReport struct {
	RunID       string
	Records     []model.MetricRecord
	Rewards     map[string]stats.SeriesSummary
	Performance stats.SeriesSummary
}

type CompareRequest struct {
	RunIDs   []string
	Behavior string
}

type CompareItem struct {
	RunID  string
	Reward stats.SeriesSummary
}

type CompareReport struct {
	Behavior string
	Runs     []CompareItem
	Mean     []stats.SeriesPoint
	// Best holds the highest logged reward of each run, in request order.
	Best []float64
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = logs.Discard()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		logger:       logger,
		now:          time.Now,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}
	if cfg.RunID == "" {
		cfg.RunID = stats.NewRunID(c.now())
	}

	arena, err := scape.NewArena(scape.ArenaConfig{Mode: cfg.Environment, Seed: cfg.Seed})
	if err != nil {
		return RunSummary{}, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	learner, err := policy.NewLinear(scape.ArenaObservationSize, scape.ArenaActionSize, policy.LinearConfig{
		LearningRate: cfg.Policy.LearningRate,
		Sigma:        cfg.Policy.Sigma,
	}, rng)
	if err != nil {
		return RunSummary{}, err
	}
	opponent, err := policy.NewLinear(scape.ArenaObservationSize, scape.ArenaActionSize, policy.LinearConfig{
		Sigma:  cfg.Policy.Sigma,
		Frozen: true,
	}, rng)
	if err != nil {
		return RunSummary{}, err
	}
	if err := opponent.SetWeights(learner.Weights()); err != nil {
		return RunSummary{}, err
	}
	agg := aggregate.New(aggregate.Config{
		NormalizeObservations: cfg.Normalize,
		NormalizeRewards:      cfg.NormalizeRewards,
		RewardScale:           cfg.RewardScale,
		RewardWeights:         cfg.RewardWeights,
		Workers:               cfg.Workers,
	}, curriculum.New(cfg.Curriculum), selfplay.New(cfg.SelfPlay, rand.New(rand.NewSource(cfg.Seed+1))))

	var (
		resume   *model.Checkpoint
		seedPool []string
	)
	if req.ResumeFrom != "" {
		resume, seedPool, err = c.resumePoint(ctx, req.ResumeFrom, cfg.SelfPlay)
		if err != nil {
			return RunSummary{}, err
		}
	}

	writer, err := stats.OpenRun(c.artifactsDir, cfg.RunID, cfg)
	if err != nil {
		return RunSummary{}, err
	}
	defer func() {
		_ = writer.Close()
	}()

	rawConfig, err := json.Marshal(cfg)
	if err != nil {
		return RunSummary{}, err
	}
	startedAt := c.now().UTC()
	record := model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           cfg.RunID,
		Environment:     arena.Name(),
		Seed:            cfg.Seed,
		Config:          rawConfig,
		CreatedAtUTC:    startedAt.Format(time.RFC3339Nano),
	}
	if err := c.store.SaveRun(ctx, record); err != nil {
		return RunSummary{}, err
	}

	runner, err := trainer.NewRunner(trainer.Options{
		Config: trainer.Config{
			RunID:             cfg.RunID,
			MaxSteps:          cfg.MaxSteps,
			CheckpointEvery:   cfg.CheckpointEvery,
			LogEvery:          cfg.LogEvery,
			PerformanceWindow: cfg.PerformanceWindow,
			LearnerBehavior:   scape.BehaviorIonia,
		},
		Environment: arena,
		Aggregator:  agg,
		Learner:     learner,
		Opponent:    opponent,
		Store:       c.store,
		Sink:        writer,
		Logger:      c.logger,
		Now:         c.now,
		Resume:      resume,
		SeedPool:    seedPool,
	})
	if err != nil {
		return RunSummary{}, err
	}

	summary, runErr := runner.Run(ctx)
	out := RunSummary{
		Summary:      summary,
		Environment:  arena.Name(),
		ResumedFrom:  req.ResumeFrom,
		ArtifactsDir: filepath.Clean(writer.Dir()),
	}

	// Bookkeeping happens even when the run was interrupted.
	finishCtx := context.WithoutCancel(ctx)
	completedAt := c.now().UTC()
	if err := writer.WriteSummary(stats.Summary{
		RunID:          cfg.RunID,
		Environment:    arena.Name(),
		Ticks:          summary.Ticks,
		Lesson:         summary.Lesson,
		Score:          summary.Score,
		Pool:           summary.Pool,
		Snapshots:      summary.Snapshots,
		Swaps:          summary.Swaps,
		Cancelled:      summary.Cancelled,
		StartedAtUTC:   startedAt.Format(time.RFC3339Nano),
		CompletedAtUTC: completedAt.Format(time.RFC3339Nano),
	}); err != nil {
		return out, errors.Join(runErr, err)
	}
	if err := stats.AppendRunIndex(c.artifactsDir, stats.RunIndexEntry{
		RunID:        cfg.RunID,
		Environment:  arena.Name(),
		Seed:         cfg.Seed,
		MaxSteps:     cfg.MaxSteps,
		Workers:      cfg.Workers,
		Ticks:        summary.Ticks,
		Lesson:       summary.Lesson,
		Score:        summary.Score,
		CreatedAtUTC: record.CreatedAtUTC,
	}); err != nil {
		return out, errors.Join(runErr, err)
	}
	record.Ticks = summary.Ticks
	record.Lesson = summary.Lesson
	record.Score = summary.Score
	record.Completed = runErr == nil && !summary.Cancelled
	if err := c.store.SaveRun(finishCtx, record); err != nil {
		return out, errors.Join(runErr, err)
	}
	if runErr != nil {
		return out, fmt.Errorf("run %s: %w", cfg.RunID, runErr)
	}
	return out, nil
}

// resumePoint returns the last checkpoint of runID and the refs that seed the
// new run's opponent pool.
func (c *Client) resumePoint(ctx context.Context, runID string, sp *selfplay.Config) (*model.Checkpoint, []string, error) {
	checkpoints, err := c.store.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if len(checkpoints) == 0 {
		return nil, nil, fmt.Errorf("resume %s: %w", runID, trainer.ErrCheckpointNotFound)
	}
	last := checkpoints[len(checkpoints)-1]

	var pool []string
	if sp != nil {
		start := len(checkpoints) - sp.Window
		if start < 0 {
			start = 0
		}
		for _, cp := range checkpoints[start:] {
			pool = append(pool, cp.Ref)
		}
	}
	return &last, pool, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			CreatedAtUTC: e.CreatedAtUTC,
			Environment:  e.Environment,
			Seed:         e.Seed,
			MaxSteps:     e.MaxSteps,
			Ticks:        e.Ticks,
			Lesson:       e.Lesson,
			Score:        e.Score,
		})
	}
	return out, nil
}

// Checkpoints lists the checkpoints of a run in step order. Runs stored in
// memory by another process are read back from their artifact files.
func (c *Client) Checkpoints(ctx context.Context, req CheckpointsRequest) ([]stats.CheckpointEntry, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	stored, err := c.store.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, err
	}
	var entries []stats.CheckpointEntry
	if len(stored) > 0 {
		entries = make([]stats.CheckpointEntry, 0, len(stored))
		for _, cp := range stored {
			entries = append(entries, stats.CheckpointEntry{
				Ref:          cp.Ref,
				Step:         cp.Step,
				Behavior:     cp.Behavior,
				CreatedAtUTC: cp.CreatedAtUTC,
			})
		}
	} else {
		var ok bool
		entries, ok, err = stats.ReadCheckpoints(c.artifactsDir, runID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("checkpoints not found for run %s", runID)
		}
	}
	return lastN(entries, req.Limit), nil
}

// Metrics returns the logged metric records of a run together with per
// behavior reward summaries computed over the whole history.
func (c *Client) Metrics(ctx context.Context, req MetricsRequest) (MetricsReport, error) {
	if req.Limit < 0 {
		return MetricsReport{}, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return MetricsReport{}, err
	}
	records, err := c.loadMetrics(ctx, runID)
	if err != nil {
		return MetricsReport{}, err
	}

	report := MetricsReport{
		RunID:       runID,
		Records:     lastN(records, req.Limit),
		Rewards:     make(map[string]stats.SeriesSummary),
		Performance: stats.Summarize(stats.PerformanceSeries(records)),
	}
	for _, behavior := range stats.Behaviors(records) {
		report.Rewards[behavior] = stats.Summarize(stats.RewardSeries(records, behavior))
	}
	return report, nil
}

// Compare lines up the reward curves of several runs for one behavior.
func (c *Client) Compare(ctx context.Context, req CompareRequest) (CompareReport, error) {
	if len(req.RunIDs) < 2 {
		return CompareReport{}, errors.New("compare requires at least two run ids")
	}
	if req.Behavior == "" {
		req.Behavior = scape.BehaviorIonia
	}

	report := CompareReport{Behavior: req.Behavior, Runs: make([]CompareItem, 0, len(req.RunIDs))}
	series := make([][]stats.SeriesPoint, 0, len(req.RunIDs))
	for _, runID := range req.RunIDs {
		records, err := c.loadMetrics(ctx, runID)
		if err != nil {
			return CompareReport{}, err
		}
		points := stats.RewardSeries(records, req.Behavior)
		series = append(series, points)
		report.Runs = append(report.Runs, CompareItem{RunID: runID, Reward: stats.Summarize(points)})
	}
	report.Mean = stats.AverageAcrossRuns(series)
	report.Best = stats.MaxAcrossRuns(series)
	return report, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}

	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) loadMetrics(ctx context.Context, runID string) ([]model.MetricRecord, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	records, ok, err := c.store.GetMetrics(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		return records, nil
	}
	records, ok, err = stats.ReadMetrics(c.artifactsDir, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("metrics not found for run %s", runID)
	}
	return records, nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID != "" {
		return runID, nil
	}
	if !latest {
		return "", errors.New("run id or latest is required")
	}
	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func lastN[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[len(items)-n:]
	}
	return items
}
