// Package bench drives read/write throughput runs against one opened device
// session, blocking (Sync) or callback driven (Async).
package bench

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	c "diskbench/internal"

	"golang.org/x/time/rate"
)

var (
	ErrConfig        = errors.New("bench: invalid config")
	ErrSessionClosed = errors.New("bench: session is closed")
)

type Config struct {
	BlockSize     uint64 // sectors per op
	StatInterval  uint64 // sectors between intermediate stat lines, 0 for none
	AsyncPoolSize int
	OpsPerSecond  float64 // 0 is unthrottled
	Verify        bool

	Out     io.Writer
	Metrics *Metrics
}

func DefaultConfig() Config {
	return Config{
		BlockSize:     c.DEFAULT_BLOCK_SIZE,
		StatInterval:  c.STAT_SECTORS,
		AsyncPoolSize: c.AIO_POOL_SIZE,
		Out:           os.Stdout,
	}
}

func (cfg Config) normalize() (Config, error) {
	if cfg.BlockSize == 0 { return cfg, fmt.Errorf("%w: block size of 0 sectors", ErrConfig) }
	if cfg.OpsPerSecond < 0 { return cfg, fmt.Errorf("%w: negative rate %v", ErrConfig, cfg.OpsPerSecond) }
	if cfg.AsyncPoolSize == 0 { cfg.AsyncPoolSize = c.AIO_POOL_SIZE }
	if cfg.AsyncPoolSize < 0 { return cfg, fmt.Errorf("%w: async pool size %d", ErrConfig, cfg.AsyncPoolSize) }
	if cfg.Out == nil { cfg.Out = io.Discard }
	return cfg, nil
}

func (cfg Config) limiter() *rate.Limiter {
	if cfg.OpsPerSecond == 0 { return nil }
	return rate.NewLimiter(rate.Limit(cfg.OpsPerSecond), 1)
}

type Result struct {
	Ops     uint64 // ops issued
	Sectors uint64
	Elapsed time.Duration
	Speed   uint64 // MBytes/sec over the whole run

	// only with Verify: xxhash over the per-block digests in offset order
	Digest uint64

	Completed uint64 // ops that finished, succeeded or not
	Failed    uint64
}
