// Package config loads the benchmark settings from DISKBENCH_* environment
// variables. Command line flags are applied on top by the caller.
package config

import (
	"fmt"
	"io"
	"time"

	c "diskbench/internal"
	"diskbench/internal/bench"
	"diskbench/internal/device"
	"diskbench/internal/pipeline"

	"github.com/kelseyhightower/envconfig"
)

const PREFIX = "DISKBENCH"

type Config struct {
	BlockSize     uint64        `envconfig:"BLOCK_SIZE" default:"128"`
	StatInterval  uint64        `envconfig:"STAT_INTERVAL" default:"131072"`
	AsyncPoolSize int           `envconfig:"AIO_POOL_SIZE" default:"256"`
	ReapWait      time.Duration `envconfig:"REAP_WAIT" default:"100ms"`
	OpsPerSecond  float64       `envconfig:"OPS_PER_SEC" default:"0"`
	Verify        bool          `envconfig:"VERIFY" default:"false"`
	Unbuffered    bool          `envconfig:"UNBUFFERED" default:"false"`
	Uring         bool          `envconfig:"URING" default:"true"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
	MetricsAddr   string        `envconfig:"METRICS_ADDR"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(PREFIX, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func Default() *Config {
	return &Config{
		BlockSize:     c.DEFAULT_BLOCK_SIZE,
		StatInterval:  c.STAT_SECTORS,
		AsyncPoolSize: c.AIO_POOL_SIZE,
		ReapWait:      pipeline.DEFAULT_REAP_WAIT,
		Uring:         true,
		LogLevel:      "info",
	}
}

func (cfg *Config) Validate() error {
	if cfg.BlockSize == 0 { return fmt.Errorf("block size must be at least one sector") }
	if cfg.AsyncPoolSize <= 0 { return fmt.Errorf("async pool size must be positive, got %d", cfg.AsyncPoolSize) }
	if cfg.OpsPerSecond < 0 { return fmt.Errorf("ops per second must not be negative, got %v", cfg.OpsPerSecond) }
	if cfg.ReapWait <= 0 { return fmt.Errorf("reap wait must be positive, got %v", cfg.ReapWait) }
	return nil
}

func (cfg *Config) Flags() device.Flags {
	var f device.Flags
	if cfg.Unbuffered { f |= device.FlagUnbuffered }
	return f
}

func (cfg *Config) Bench(out io.Writer, m *bench.Metrics) bench.Config {
	return bench.Config{
		BlockSize:     cfg.BlockSize,
		StatInterval:  cfg.StatInterval,
		AsyncPoolSize: cfg.AsyncPoolSize,
		OpsPerSecond:  cfg.OpsPerSecond,
		Verify:        cfg.Verify,
		Out:           out,
		Metrics:       m,
	}
}

func (cfg *Config) Pipeline(out io.Writer, m *bench.Metrics) pipeline.Config {
	return pipeline.Config{
		Bench:    cfg.Bench(out, m),
		ReapWait: cfg.ReapWait,
	}
}
