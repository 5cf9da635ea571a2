package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file, expanding ${ENV} references.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Chain.RPCTimeout == 0 {
		cfg.Chain.RPCTimeout = 15 * time.Second
	}
	if cfg.Poller.RepushMargin == 0 {
		cfg.Poller.RepushMargin = 3
	}
	if cfg.Poller.LogChunk == 0 {
		cfg.Poller.LogChunk = 50
	}
	if cfg.Reorg.MaxDepth == 0 {
		cfg.Reorg.MaxDepth = 64
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.BackoffBase == 0 {
		cfg.Retry.BackoffBase = 2 * time.Second
	}
	if cfg.Retry.BackoffMax == 0 {
		cfg.Retry.BackoffMax = 10 * time.Minute
	}
	if cfg.Retry.SweepInterval == 0 {
		cfg.Retry.SweepInterval = 30 * time.Second
	}
	if cfg.Backfill.BatchSize == 0 {
		cfg.Backfill.BatchSize = 100
	}
	if cfg.Worker.PopTimeout == 0 {
		cfg.Worker.PopTimeout = 5 * time.Second
	}
}
