// Package config loads training configuration files. Files may be YAML,
// JSON or CUE; every format is unified against an embedded CUE schema that
// enforces ranges and fills defaults before decoding into Config.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"go.yaml.in/yaml/v3"

	"adaptrl/internal/curriculum"
	"adaptrl/internal/selfplay"
)

//go:embed schema.cue
var schemaSrc string

var ErrUnsupportedFormat = errors.New("unsupported config format")

type PolicyConfig struct {
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	Sigma        float64 `json:"sigma" yaml:"sigma"`
}

type Config struct {
	RunID             string             `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Environment       string             `json:"environment" yaml:"environment"`
	Seed              int64              `json:"seed" yaml:"seed"`
	MaxSteps          int64              `json:"max_steps" yaml:"max_steps"`
	Normalize         bool               `json:"normalize" yaml:"normalize"`
	NormalizeRewards  bool               `json:"normalize_rewards" yaml:"normalize_rewards"`
	RewardScale       float64            `json:"reward_scale" yaml:"reward_scale"`
	RewardWeights     map[string]float64 `json:"reward_weights" yaml:"reward_weights"`
	Curriculum        *curriculum.Config `json:"curriculum,omitempty" yaml:"curriculum,omitempty"`
	SelfPlay          *selfplay.Config   `json:"self_play,omitempty" yaml:"self_play,omitempty"`
	CheckpointEvery   int64              `json:"checkpoint_every" yaml:"checkpoint_every"`
	LogEvery          int64              `json:"log_every" yaml:"log_every"`
	PerformanceWindow int                `json:"performance_window" yaml:"performance_window"`
	Workers           int                `json:"workers" yaml:"workers"`
	Policy            PolicyConfig       `json:"policy" yaml:"policy"`
	Store             string             `json:"store" yaml:"store"`
	DBPath            string             `json:"db_path" yaml:"db_path"`
	ArtifactsDir      string             `json:"artifacts_dir" yaml:"artifacts_dir"`
}

// Default returns the schema defaults with no file applied.
func Default() (Config, error) {
	return decode(cuecontext.New(), nil)
}

// Load reads path, picking the decoder from its extension.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(path, data)
}

// Parse decodes data as if it were read from a file called name.
func Parse(name string, data []byte) (Config, error) {
	ctx := cuecontext.New()

	var value cue.Value
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", name, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		value = ctx.Encode(raw)
	case ".json", ".cue":
		// JSON is a subset of CUE.
		value = ctx.CompileBytes(data, cue.Filename(name))
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err := value.Err(); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", name, err)
	}

	cfg, err := decode(ctx, &value)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", name, err)
	}
	return cfg, nil
}

func decode(ctx *cue.Context, value *cue.Value) (Config, error) {
	schema := ctx.CompileString("close({" + schemaSrc + "})")
	if err := schema.Err(); err != nil {
		return Config{}, err
	}

	unified := schema
	if value != nil {
		unified = schema.Unify(*value)
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.RewardWeights == nil {
		cfg.RewardWeights = map[string]float64{}
	}
	return cfg, cfg.Validate()
}

// Validate repeats the range checks for values that bypassed the schema,
// such as command-line overrides.
func (c Config) Validate() error {
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be > 0, got %d", c.MaxSteps)
	}
	if c.RewardScale <= 0 {
		return fmt.Errorf("reward_scale must be > 0, got %v", c.RewardScale)
	}
	if c.CheckpointEvery <= 0 || c.LogEvery <= 0 {
		return fmt.Errorf("checkpoint_every and log_every must be > 0")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.PerformanceWindow <= 0 {
		return fmt.Errorf("performance_window must be > 0, got %d", c.PerformanceWindow)
	}
	if c.Curriculum != nil {
		if err := c.Curriculum.Validate(); err != nil {
			return err
		}
	}
	if c.SelfPlay != nil {
		if err := c.SelfPlay.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// YAML renders the resolved configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
