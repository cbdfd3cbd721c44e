package bench

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"diskbench/internal/bufpool"
)

// aioRun is what every completion of one async run reports into.
type aioRun struct {
	log     *slog.Logger
	read    bool
	metrics *Metrics
	dg      *digest

	completed atomic.Uint64
	failed    atomic.Uint64

	mu    sync.Mutex
	first error
}

func (r *aioRun) firstErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.first
}

// aioContext belongs to exactly one submission. The device gets its complete
// method and with it the buffer; complete hands the buffer back to the pool.
type aioContext struct {
	run     *aioRun
	pool    bufpool.Pool
	buf     bufpool.Buffer
	data    []byte
	op      uint64
	sector  uint64
	retired atomic.Bool
}

func (a *aioContext) complete(err error) {
	if a.retired.Swap(true) {
		panic(fmt.Errorf("bench: completion for sector %d delivered twice", a.sector))
	}

	r := a.run
	op := opName(r.read)
	r.metrics.inflight(-1)
	if err != nil {
		r.failed.Add(1)
		r.metrics.opFailed(op, MODE_ASYNC)
		r.log.Error("completion", "sector", a.sector, "err", err)
		r.mu.Lock()
		if r.first == nil {
			r.first = fmt.Errorf("%s of sector %d: %w", op, a.sector, err)
		}
		r.mu.Unlock()
	} else {
		r.metrics.opDone(op, MODE_ASYNC, len(a.data))
		if r.read {
			r.dg.add(a.op, a.data)
		}
	}

	if rerr := a.pool.Release(a.buf); rerr != nil {
		r.log.Error("release", "sector", a.sector, "err", rerr)
	}
	r.completed.Add(1)
}

// retire takes the buffer back for a submission the device refused. No
// completion will ever arrive for it.
func (a *aioContext) retire() {
	if a.retired.Swap(true) {
		panic(fmt.Errorf("bench: sector %d retired twice", a.sector))
	}
	a.run.metrics.inflight(-1)
	if err := a.pool.Release(a.buf); err != nil {
		a.run.log.Error("release", "sector", a.sector, "err", err)
	}
}
