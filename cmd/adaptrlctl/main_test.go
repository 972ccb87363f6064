package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"adaptrl/internal/stats"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	origWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	workdir := t.TempDir()
	if err := os.Chdir(workdir); err != nil {
		t.Fatalf("chdir tempdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(origWD)
	})
	return workdir
}

func runArgs(seed string) []string {
	return []string{
		"run",
		"--seed", seed,
		"--max-steps", "120",
		"--checkpoint-every", "40",
		"--log-every", "20",
		"--log-level", "warn",
	}
}

func TestRunCommandCreatesArtifacts(t *testing.T) {
	chdirTemp(t)

	out, err := captureStdout(func() error {
		return run(context.Background(), runArgs("11"))
	})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if !strings.Contains(out, "run completed") || !strings.Contains(out, "ticks=120") {
		t.Fatalf("unexpected run output: %s", out)
	}

	entries, err := stats.ListRunIndex(artifactsDir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one indexed run, got %d", len(entries))
	}
	runID := entries[0].RunID
	for _, file := range []string{"config.json", "metrics.jsonl", "checkpoints.jsonl", "summary.json"} {
		path := filepath.Join(artifactsDir, runID, file)
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected artifact %s: %v", path, err)
		}
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"runs"})
	})
	if err != nil {
		t.Fatalf("runs command: %v", err)
	}
	if !strings.Contains(out, "run_id="+runID) || !strings.Contains(out, "seed=11") {
		t.Fatalf("unexpected runs output: %s", out)
	}

	// Each command opens a fresh memory store, so these read the artifacts.
	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"checkpoints", "--latest"})
	})
	if err != nil {
		t.Fatalf("checkpoints command: %v", err)
	}
	if got := strings.Count(out, "ref="); got != 3 {
		t.Fatalf("expected 3 checkpoints, got %d:\n%s", got, out)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"metrics", "--run-id", runID, "--limit", "2"})
	})
	if err != nil {
		t.Fatalf("metrics command: %v", err)
	}
	if got := strings.Count(out, "step="); got != 2 {
		t.Fatalf("expected 2 metric lines, got %d:\n%s", got, out)
	}
	if !strings.Contains(out, "summary behavior=ionia points=6") {
		t.Fatalf("expected reward summary over full history:\n%s", out)
	}

	exportDir := filepath.Join("out", runID)
	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"export", "--latest", "--out", "out"})
	})
	if err != nil {
		t.Fatalf("export command: %v", err)
	}
	if !strings.Contains(out, "exported run_id="+runID) {
		t.Fatalf("unexpected export output: %s", out)
	}
	if _, err := os.Stat(filepath.Join(exportDir, "summary.json")); err != nil {
		t.Fatalf("expected exported summary: %v", err)
	}
}

func TestRunCommandConfigAllowsFlagOverrides(t *testing.T) {
	workdir := chdirTemp(t)
	configPath := filepath.Join(workdir, "run.yaml")
	config := `
run_id: from-config
environment: validation
max_steps: 60
checkpoint_every: 30
log_every: 30
self_play:
  swap_steps: 10
  play_against_latest_model_ratio: 1
  window: 2
`
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := captureStdout(func() error {
		return run(context.Background(), []string{
			"run",
			"--config", configPath,
			"--run-id", "from-flag",
			"--max-steps", "90",
			"--log-level", "error",
		})
	})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}

	summary, ok, err := stats.ReadSummary(artifactsDir, "from-flag")
	if err != nil || !ok {
		t.Fatalf("read summary: ok=%t err=%v", ok, err)
	}
	if summary.Ticks != 90 {
		t.Fatalf("expected flag max-steps to win, got %d ticks", summary.Ticks)
	}
	if summary.Environment != "arena-validation" {
		t.Fatalf("expected config environment to survive, got %s", summary.Environment)
	}
	if summary.Swaps == 0 {
		t.Fatal("expected self-play from the config file")
	}
}

func TestCompareCommand(t *testing.T) {
	chdirTemp(t)
	for _, seed := range []string{"3", "4"} {
		if _, err := captureStdout(func() error {
			return run(context.Background(), runArgs(seed))
		}); err != nil {
			t.Fatalf("run seed %s: %v", seed, err)
		}
	}
	entries, err := stats.ListRunIndex(artifactsDir)
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected two runs: %v", err)
	}

	out, err := captureStdout(func() error {
		return run(context.Background(), []string{
			"compare",
			"--run-ids", entries[0].RunID + "," + entries[1].RunID,
			"--behavior", "noxus",
		})
	})
	if err != nil {
		t.Fatalf("compare command: %v", err)
	}
	if got := strings.Count(out, "behavior=noxus"); got != 2 {
		t.Fatalf("expected two run lines, got %d:\n%s", got, out)
	}
	if got := strings.Count(out, "mean_reward="); got != 6 {
		t.Fatalf("expected 6 averaged points, got %d:\n%s", got, out)
	}
}

func TestConfigShowPrintsResolvedYAML(t *testing.T) {
	workdir := chdirTemp(t)
	configPath := filepath.Join(workdir, "run.json")
	if err := os.WriteFile(configPath, []byte(`{"max_steps": 77, "policy": {"sigma": 0.3}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := captureStdout(func() error {
		return run(context.Background(), []string{"config", "show", "--config", configPath})
	})
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	for _, want := range []string{"max_steps: 77", "sigma: 0.3", "learning_rate: 0.01", "environment: gt"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in:\n%s", want, out)
		}
	}
}

func TestCommandErrors(t *testing.T) {
	chdirTemp(t)
	cases := [][]string{
		nil,
		{"bogus"},
		{"export"},
		{"export", "--run-id", "a", "--latest"},
		{"runs", "--limit", "0"},
		{"config"},
		{"compare", "--run-ids", "only-one"},
		{"run", "--max-steps", "0"},
		{"run", "--env", "moon"},
	}
	for _, args := range cases {
		if _, err := captureStdout(func() error {
			return run(context.Background(), args)
		}); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestOverrideFromFlagsRejectsUnknownFlag(t *testing.T) {
	cfg, err := loadOrDefaultConfig("")
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if err := overrideFromFlags(&cfg, map[string]bool{"bogus": true}, map[string]any{"bogus": 1}); err == nil {
		t.Fatal("expected unknown flag error")
	}
	if err := overrideFromFlags(&cfg, map[string]bool{"workers": true}, map[string]any{"workers": 3}); err != nil {
		t.Fatalf("override workers: %v", err)
	}
	if cfg.Workers != 3 {
		t.Fatalf("expected workers override, got %d", cfg.Workers)
	}
}

func captureStdout(fn func() error) (string, error) {
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}

	os.Stdout = w
	runErr := fn()
	_ = w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		_ = r.Close()
		return "", err
	}
	_ = r.Close()
	return buf.String(), runErr
}
