package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"adaptrl/internal/logs"
	"adaptrl/internal/storage"
	api "adaptrl/pkg/adaptrl"
)

const (
	artifactsDir = "runs"
	exportsDir   = "exports"
	dbPath       = "adaptrl.db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "checkpoints":
		return runCheckpoints(ctx, args[1:])
	case "metrics":
		return runMetrics(ctx, args[1:])
	case "compare":
		return runCompare(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "config":
		return runConfig(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type storeFlags struct {
	kind         *string
	dbPath       *string
	artifactsDir *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		kind:         fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:       fs.String("db-path", dbPath, "sqlite database path"),
		artifactsDir: fs.String("artifacts-dir", artifactsDir, "run artifacts directory"),
	}
}

func (f storeFlags) client(logger *slog.Logger) (*api.Client, error) {
	return api.New(api.Options{
		StoreKind:    *f.kind,
		DBPath:       *f.dbPath,
		ArtifactsDir: *f.artifactsDir,
		ExportsDir:   exportsDir,
		Logger:       logger,
	})
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	store := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := store.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	fmt.Printf("initialized store=%s\n", *store.kind)
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config path (.yaml, .json or .cue)")
	resumeFrom := fs.String("resume-from", "", "continue from the last checkpoint of this run id")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	logFile := fs.String("log-file", "", "also write JSON logs to this file")
	jsonOut := fs.Bool("json", false, "emit run summary as JSON")
	runID := fs.String("run-id", "", "explicit run id (optional)")
	env := fs.String("env", "gt", "environment mode: gt|validation|test|benchmark")
	seed := fs.Int64("seed", 42, "rng seed")
	maxSteps := fs.Int64("max-steps", 10000, "ticks to train")
	workers := fs.Int("workers", 1, "behaviors processed concurrently per tick")
	normalize := fs.Bool("normalize", true, "normalize observations")
	normalizeRewards := fs.Bool("normalize-rewards", false, "normalize shaped rewards")
	rewardScale := fs.Float64("reward-scale", 1.0, "reward multiplier applied after normalization")
	checkpointEvery := fs.Int64("checkpoint-every", 1000, "checkpoint cadence in ticks")
	logEvery := fs.Int64("log-every", 100, "metric cadence in ticks")
	learningRate := fs.Float64("learning-rate", 0.01, "learner step size")
	sigma := fs.Float64("sigma", 0.1, "exploration noise scale")
	storeKind := fs.String("store", "memory", "store backend: memory|sqlite")
	dbPathFlag := fs.String("db-path", dbPath, "sqlite database path")
	artifactsDirFlag := fs.String("artifacts-dir", artifactsDir, "run artifacts directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	cfg, err := loadOrDefaultConfig(*configPath)
	if err != nil {
		return err
	}
	err = overrideFromFlags(&cfg, setFlags, map[string]any{
		"run-id":            *runID,
		"env":               *env,
		"seed":              *seed,
		"max-steps":         *maxSteps,
		"workers":           *workers,
		"normalize":         *normalize,
		"normalize-rewards": *normalizeRewards,
		"reward-scale":      *rewardScale,
		"checkpoint-every":  *checkpointEvery,
		"log-every":         *logEvery,
		"learning-rate":     *learningRate,
		"sigma":             *sigma,
		"store":             *storeKind,
		"db-path":           *dbPathFlag,
		"artifacts-dir":     *artifactsDirFlag,
	})
	if err != nil {
		return err
	}

	logger, closeLog, err := openLogger(*logLevel, *logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	client, err := api.New(api.Options{
		StoreKind:    cfg.Store,
		DBPath:       cfg.DBPath,
		ArtifactsDir: cfg.ArtifactsDir,
		ExportsDir:   exportsDir,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	started := time.Now()
	summary, err := client.Run(ctx, api.RunRequest{Config: cfg, ResumeFrom: *resumeFrom})
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	status := "completed"
	if summary.Cancelled {
		status = "cancelled"
	}
	fmt.Printf("run %s run_id=%s env=%s ticks=%s elapsed=%s\n",
		status,
		summary.RunID,
		summary.Environment,
		humanize.Comma(summary.Ticks),
		time.Since(started).Round(time.Millisecond),
	)
	fmt.Printf("lesson=%d score=%.6f episodes=%s\n", summary.Lesson, summary.Score, humanize.Comma(int64(summary.Episodes)))
	fmt.Printf("swaps=%d snapshots=%d checkpoints=%d pool=%s\n",
		summary.Swaps,
		summary.Snapshots,
		summary.Checkpoints,
		strings.Join(summary.Pool, ","),
	)
	if summary.ResumedFrom != "" {
		fmt.Printf("resumed_from=%s\n", summary.ResumedFrom)
	}
	fmt.Printf("artifacts_dir=%s\n", summary.ArtifactsDir)
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	store := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := store.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Runs(ctx, api.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, item := range items {
		fmt.Printf("run_id=%s created=%s env=%s seed=%d ticks=%s/%s lesson=%d score=%.6f\n",
			item.RunID,
			createdAgo(item.CreatedAtUTC),
			item.Environment,
			item.Seed,
			humanize.Comma(item.Ticks),
			humanize.Comma(item.MaxSteps),
			item.Lesson,
			item.Score,
		)
	}
	return nil
}

func runCheckpoints(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run from run index")
	limit := fs.Int("limit", 0, "show only the last N checkpoints (0 shows all)")
	store := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := store.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	entries, err := client.Checkpoints(ctx, api.CheckpointsRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("ref=%s step=%s behavior=%s created=%s\n", e.Ref, humanize.Comma(e.Step), e.Behavior, createdAgo(e.CreatedAtUTC))
	}
	return nil
}

func runMetrics(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run from run index")
	limit := fs.Int("limit", 10, "show only the last N records (0 shows all)")
	jsonOut := fs.Bool("json", false, "emit metrics report as JSON")
	store := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := store.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	report, err := client.Metrics(ctx, api.MetricsRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	for _, m := range report.Records {
		behaviors := make([]string, 0, len(m.MeanReward))
		for name := range m.MeanReward {
			behaviors = append(behaviors, name)
		}
		sort.Strings(behaviors)
		rewards := make([]string, 0, len(behaviors))
		for _, name := range behaviors {
			rewards = append(rewards, fmt.Sprintf("%s=%.6f", name, m.MeanReward[name]))
		}
		fmt.Printf("step=%s lesson=%d opponent=%s performance=%.6f episodes=%d pool=%d reward[%s]\n",
			humanize.Comma(m.Step),
			m.Lesson,
			m.Opponent,
			m.Performance,
			m.Episodes,
			m.PoolSize,
			strings.Join(rewards, " "),
		)
	}
	behaviors := make([]string, 0, len(report.Rewards))
	for name := range report.Rewards {
		behaviors = append(behaviors, name)
	}
	sort.Strings(behaviors)
	for _, name := range behaviors {
		s := report.Rewards[name]
		fmt.Printf("summary behavior=%s points=%d mean=%.6f std=%.6f min=%.6f max=%.6f last=%.6f\n",
			name, s.Count, s.Mean, s.Std, s.Min, s.Max, s.Last)
	}
	p := report.Performance
	fmt.Printf("summary performance points=%d mean=%.6f max=%.6f last=%.6f\n", p.Count, p.Mean, p.Max, p.Last)
	return nil
}

func runCompare(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("compare", flag.ContinueOnError)
	runIDs := fs.String("run-ids", "", "comma separated run ids")
	behavior := fs.String("behavior", "", "behavior to compare (defaults to the learner)")
	store := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	var ids []string
	for _, id := range strings.Split(*runIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	client, err := store.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	report, err := client.Compare(ctx, api.CompareRequest{RunIDs: ids, Behavior: *behavior})
	if err != nil {
		return err
	}
	for i, item := range report.Runs {
		best := item.Reward.Max
		if i < len(report.Best) {
			best = report.Best[i]
		}
		fmt.Printf("run_id=%s behavior=%s points=%d mean=%.6f best=%.6f last=%.6f\n",
			item.RunID, report.Behavior, item.Reward.Count, item.Reward.Mean, best, item.Reward.Last)
	}
	for _, p := range report.Mean {
		fmt.Printf("step=%s mean_reward=%.6f\n", humanize.Comma(p.Step), p.Value)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	store := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := store.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, api.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s size=%s\n", exported.RunID, exported.Directory, humanize.Bytes(dirSize(exported.Directory)))
	return nil
}

// runConfig prints the resolved configuration: schema defaults, then the
// optional file.
func runConfig(_ context.Context, args []string) error {
	if len(args) == 0 || args[0] != "show" {
		return errors.New("config requires an action: show")
	}
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config path (.yaml, .json or .cue)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := loadOrDefaultConfig(*configPath)
	if err != nil {
		return err
	}
	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func openLogger(level, path string) (*slog.Logger, func(), error) {
	opts := logs.Options{Level: level, Writer: os.Stderr}
	closeFn := func() {}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		opts.File = f
		closeFn = func() {
			_ = f.Close()
		}
	}
	logger, err := logs.New(opts)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return logger, closeFn, nil
}

func createdAgo(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func dirSize(dir string) uint64 {
	var total uint64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: adaptrlctl <init|run|runs|checkpoints|metrics|compare|export|config> [flags]", msg)
}
