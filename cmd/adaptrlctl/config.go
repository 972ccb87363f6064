package main

import (
	"fmt"

	"adaptrl/internal/config"
)

func loadOrDefaultConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

// overrideFromFlags applies the flags that were set explicitly on top of the
// loaded configuration. Unset flags keep the file or schema value.
func overrideFromFlags(cfg *config.Config, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "run-id":
			cfg.RunID = v.(string)
		case "env":
			cfg.Environment = v.(string)
		case "seed":
			cfg.Seed = v.(int64)
		case "max-steps":
			cfg.MaxSteps = v.(int64)
		case "workers":
			cfg.Workers = v.(int)
		case "normalize":
			cfg.Normalize = v.(bool)
		case "normalize-rewards":
			cfg.NormalizeRewards = v.(bool)
		case "reward-scale":
			cfg.RewardScale = v.(float64)
		case "checkpoint-every":
			cfg.CheckpointEvery = v.(int64)
		case "log-every":
			cfg.LogEvery = v.(int64)
		case "learning-rate":
			cfg.Policy.LearningRate = v.(float64)
		case "sigma":
			cfg.Policy.Sigma = v.(float64)
		case "store":
			cfg.Store = v.(string)
		case "db-path":
			cfg.DBPath = v.(string)
		case "artifacts-dir":
			cfg.ArtifactsDir = v.(string)
		default:
			return fmt.Errorf("unsupported override flag: %s", name)
		}
	}
	return cfg.Validate()
}
