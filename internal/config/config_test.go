package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.yaml.in/yaml/v3"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if cfg.Environment != "gt" || cfg.Seed != 42 || cfg.MaxSteps != 10000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Normalize || cfg.NormalizeRewards || cfg.RewardScale != 1 {
		t.Fatalf("unexpected normalisation defaults: %+v", cfg)
	}
	if cfg.Curriculum != nil || cfg.SelfPlay != nil {
		t.Fatalf("expected curriculum and self-play disabled by default: %+v", cfg)
	}
	if cfg.Store != "memory" || cfg.Workers != 1 || cfg.Policy.Sigma != 0.1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestParseYAMLFillsNestedDefaults(t *testing.T) {
	src := `
seed: 7
max_steps: 500
reward_weights:
  pickup: 0.5
curriculum:
  thresholds: [0.2, 0.8]
  parameters:
    mana_distance: 0.6
self_play:
  swap_steps: 50
`
	cfg, err := Parse("train.yaml", []byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Seed != 7 || cfg.MaxSteps != 500 || cfg.RewardWeights["pickup"] != 0.5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Curriculum == nil || len(cfg.Curriculum.Thresholds) != 2 || cfg.Curriculum.MinLessonLength != 100000 {
		t.Fatalf("unexpected curriculum: %+v", cfg.Curriculum)
	}
	if cfg.Curriculum.Parameters["mana_distance"] != 0.6 {
		t.Fatalf("unexpected curriculum parameters: %+v", cfg.Curriculum.Parameters)
	}
	sp := cfg.SelfPlay
	if sp == nil || sp.SwapSteps != 50 || sp.SaveSteps != 50000 || sp.Window != 10 || sp.PlayAgainstLatestModelRatio != 0.5 {
		t.Fatalf("unexpected self-play: %+v", sp)
	}
}

func TestParseJSONAndCUE(t *testing.T) {
	cfg, err := Parse("train.json", []byte(`{"environment":"validation","workers":4}`))
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if cfg.Environment != "validation" || cfg.Workers != 4 {
		t.Fatalf("unexpected json config: %+v", cfg)
	}

	cfg, err = Parse("train.cue", []byte("log_every: 10\nself_play: window: 3\n"))
	if err != nil {
		t.Fatalf("parse cue: %v", err)
	}
	if cfg.LogEvery != 10 || cfg.SelfPlay == nil || cfg.SelfPlay.Window != 3 {
		t.Fatalf("unexpected cue config: %+v", cfg)
	}
}

func TestParseRejectsOutOfRange(t *testing.T) {
	cases := map[string]string{
		"ratio":     "self_play:\n  play_against_latest_model_ratio: 1.5\n",
		"window":    "self_play:\n  window: 0\n",
		"max_steps": "max_steps: -1\n",
		"unknown":   "bogus_field: 1\n",
		"env":       "environment: moon\n",
	}
	for name, src := range cases {
		if _, err := Parse("bad.yaml", []byte(src)); err == nil {
			t.Fatalf("%s: expected schema error", name)
		}
	}
}

func TestParseUnsupportedExtension(t *testing.T) {
	_, err := Parse("train.toml", []byte("seed = 1"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yml")
	if err := os.WriteFile(path, []byte("run_id: fixed\nstore: sqlite\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RunID != "fixed" || cfg.Store != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestValidateOverrides(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected workers error")
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg, err := Parse("train.yaml", []byte("curriculum:\n  thresholds: [0.5]\n"))
	if err != nil {
		t.Fatal(err)
	}
	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !strings.Contains(string(out), "min_lesson_length: 100000") {
		t.Fatalf("expected nested defaults in output:\n%s", out)
	}
	var back map[string]any
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if back["environment"] != "gt" {
		t.Fatalf("unexpected rendered environment: %v", back["environment"])
	}
}
