package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	c "diskbench/internal"
	"diskbench/internal/bufpool"
	"diskbench/internal/device"
	"diskbench/internal/util"
)

// RunAsync is Async over a bounded pool of AsyncPoolSize buffers, which caps the
// number of ops in flight.
func RunAsync(ctx context.Context, s *device.Session, read bool, cfg Config) (Result, error) {
	cfg, err := cfg.normalize()
	if err != nil { return Result{}, err }

	pool, err := NewPool(s, int(c.SectorsToBytes(cfg.BlockSize)), cfg.AsyncPoolSize, bufpool.NewLocking())
	if err != nil { return Result{}, err }

	res, err := Async(ctx, s, pool, read, cfg)
	if cerr := pool.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return res, err
}

// Async submits every block without waiting for the previous one, taking a fresh
// buffer per op. pool must be safe for use from completion goroutines. Once all
// ops are submitted it waits for the device to go quiet.
func Async(ctx context.Context, s *device.Session, pool bufpool.Pool, read bool, cfg Config) (Result, error) {
	cfg, err := cfg.normalize()
	if err != nil { return Result{}, err }
	h := s.Handle()
	if h == nil { return Result{}, ErrSessionClosed }

	log := slog.With("src", "Bench", "disk", s.ID(), "mode", MODE_ASYNC)
	maxOps := s.Info().Capacity / cfg.BlockSize
	bufSize := c.SectorsToBytes(cfg.BlockSize)
	printProcessing(cfg.Out, s.ID(), maxOps, bufSize)

	run := &aioRun{
		log:     log,
		read:    read,
		metrics: cfg.Metrics,
		dg:      newDigest(cfg.Verify, maxOps),
	}
	limiter := cfg.limiter()

	var res Result
	var submitErr error
	start := time.Now()
	for i := range maxOps {
		if limiter != nil {
			if submitErr = limiter.Wait(ctx); submitErr != nil { break }
		} else if submitErr = ctx.Err(); submitErr != nil {
			break
		}

		buf, err := pool.Acquire()
		if err != nil {
			submitErr = err
			break
		}

		aio := &aioContext{
			run:    run,
			pool:   pool,
			buf:    buf,
			data:   buf.Data[:bufSize],
			op:     i,
			sector: i * cfg.BlockSize,
		}
		cfg.Metrics.inflight(1)
		if read {
			err = h.ReadAsync(aio.sector, cfg.BlockSize, aio.data, aio.complete)
		} else {
			util.FillRandom(aio.data)
			run.dg.add(i, aio.data)
			err = h.WriteAsync(aio.sector, cfg.BlockSize, aio.data, aio.complete)
		}
		if err != nil {
			aio.retire()
			cfg.Metrics.opFailed(opName(read), MODE_ASYNC)
			submitErr = fmt.Errorf("submit %s of sector %d: %w", opName(read), aio.sector, err)
			break
		}
		res.Ops++
	}

	if submitErr == nil {
		fmt.Fprintf(cfg.Out, "%ssent all data requests!\n", prefix(s.ID()))
	}
	h.Wait()
	res.Elapsed = time.Since(start)
	res.Completed = run.completed.Load()
	res.Failed = run.failed.Load()

	if submitErr != nil {
		log.Error("submission stopped", "submitted", res.Ops, "err", submitErr)
		if first := run.firstErr(); first != nil {
			return res, errors.Join(submitErr, first)
		}
		return res, submitErr
	}

	res.Sectors = cfg.BlockSize * maxOps
	res.Speed = printStat(cfg.Out, s.ID(), read, res.Sectors, res.Elapsed)
	res.Digest = run.dg.sum()
	cfg.Metrics.speed(s.Path(), res.Speed)

	if res.Failed > 0 {
		return res, fmt.Errorf("%d of %d async ops failed, first: %w", res.Failed, res.Ops, run.firstErr())
	}
	log.Debug("done", "ops", res.Ops, "elapsed", res.Elapsed)
	return res, nil
}
