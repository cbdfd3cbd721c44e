package bench

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	c "diskbench/internal"
	"diskbench/internal/bufpool"
	"diskbench/internal/device"
	"diskbench/internal/util"
)

const (
	MODE_SYNC  = "sync"
	MODE_ASYNC = "async"
)

// RunSync is Sync over an unbounded single-goroutine pool.
func RunSync(ctx context.Context, s *device.Session, read bool, cfg Config) (Result, error) {
	cfg, err := cfg.normalize()
	if err != nil { return Result{}, err }

	pool, err := NewPool(s, int(c.SectorsToBytes(cfg.BlockSize)), bufpool.UNBOUNDED, bufpool.NoSync{})
	if err != nil { return Result{}, err }

	res, err := Sync(ctx, s, pool, read, cfg)
	if cerr := pool.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return res, err
}

// Sync moves capacity/BlockSize blocks through a single buffer, in offset order.
// The first failing op ends the run.
func Sync(ctx context.Context, s *device.Session, pool bufpool.Pool, read bool, cfg Config) (Result, error) {
	cfg, err := cfg.normalize()
	if err != nil { return Result{}, err }
	h := s.Handle()
	if h == nil { return Result{}, ErrSessionClosed }

	log := slog.With("src", "Bench", "disk", s.ID(), "mode", MODE_SYNC)
	op := opName(read)
	maxOps := s.Info().Capacity / cfg.BlockSize
	bufSize := c.SectorsToBytes(cfg.BlockSize)
	printProcessing(cfg.Out, s.ID(), maxOps, bufSize)

	buf, err := pool.Acquire()
	if err != nil { return Result{}, err }
	defer func() {
		if err := pool.Release(buf); err != nil {
			log.Error("release", "err", err)
		}
	}()

	data := buf.Data[:bufSize]
	if !read {
		util.FillRandom(data)
	}

	limiter := cfg.limiter()
	dg := newDigest(cfg.Verify, maxOps)

	var res Result
	total := time.Now()
	start := total
	since := uint64(0)
	for i := range maxOps {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil { return res, err }
		} else if err := ctx.Err(); err != nil {
			return res, err
		}

		sector := i * cfg.BlockSize
		if read {
			err = h.ReadAt(sector, cfg.BlockSize, data)
		} else {
			err = h.WriteAt(sector, cfg.BlockSize, data)
		}
		res.Ops++
		res.Completed++
		if err != nil {
			res.Failed++
			cfg.Metrics.opFailed(op, MODE_SYNC)
			return res, fmt.Errorf("%s of sector %d: %w", op, sector, err)
		}
		cfg.Metrics.opDone(op, MODE_SYNC, len(data))
		dg.add(i, data)
		res.Sectors += cfg.BlockSize

		since += cfg.BlockSize
		if cfg.StatInterval != 0 && since >= cfg.StatInterval {
			now := time.Now()
			printStat(cfg.Out, s.ID(), read, since, now.Sub(start))
			start = now
			since = 0
		}
	}

	res.Elapsed = time.Since(total)
	res.Speed = printStat(cfg.Out, s.ID(), read, cfg.BlockSize*maxOps, res.Elapsed)
	res.Digest = dg.sum()
	cfg.Metrics.speed(s.Path(), res.Speed)
	log.Debug("done", "ops", res.Ops, "elapsed", res.Elapsed)
	return res, nil
}
