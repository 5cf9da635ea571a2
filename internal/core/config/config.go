package config

import (
	"time"

	"github.com/vietddude/chainsink/internal/infra/queue"
	"github.com/vietddude/chainsink/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig    `yaml:"server"`
	Chain    ChainConfig     `yaml:"chain"`
	Redis    queue.Config    `yaml:"redis"`
	Database postgres.Config `yaml:"database"`
	Poller   PollerConfig    `yaml:"poller"`
	Reorg    ReorgConfig     `yaml:"reorg"`
	Retry    RetryConfig     `yaml:"retry"`
	Backfill BackfillConfig  `yaml:"backfill"`
	Worker   WorkerConfig    `yaml:"worker"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the health/metrics HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ChainConfig holds upstream node endpoints.
type ChainConfig struct {
	HTTPURL    string        `yaml:"http_url"`
	WSURL      string        `yaml:"ws_url"`
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
}

// PollerConfig tunes the subscription-to-queue bridge.
type PollerConfig struct {
	// RepushMargin re-pushes the previous N block numbers on every new head
	// to cover notifications missed during reconnects.
	RepushMargin uint64 `yaml:"repush_margin"`
	// LogChunk bounds the block range of a single log job.
	LogChunk uint64 `yaml:"log_chunk"`
}

// ReorgConfig bounds the reconciliation walk.
type ReorgConfig struct {
	// MaxDepth is the deepest ancestor walk allowed before the reconciler
	// reports a data inconsistency instead of resolving silently.
	MaxDepth uint64 `yaml:"max_depth"`
}

// RetryConfig tunes the failed-job ledger.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// BackfillConfig tunes historical range ingestion.
type BackfillConfig struct {
	BatchSize uint64 `yaml:"batch_size"`
}

// WorkerConfig holds per-consumer loop settings.
type WorkerConfig struct {
	PopTimeout time.Duration `yaml:"pop_timeout"`
}
