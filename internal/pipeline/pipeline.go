// Package pipeline runs benchmarks over many devices at once. Requests are
// opened in FIFO order by a single worker goroutine; every opened device then
// runs as its own task until the worker reaps it and closes its session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"diskbench/internal/bench"
	"diskbench/internal/device"

	"github.com/eapache/queue"
)

var ErrClosed = errors.New("pipeline: closed")

const DEFAULT_REAP_WAIT = 100 * time.Millisecond

type Config struct {
	Bench bench.Config
	// longest the worker blocks on one unfinished task per pass
	ReapWait time.Duration
}

type Request struct {
	Conn  device.Connection
	Path  string
	Flags device.Flags
	ID    int
	Read  bool
	Async bool
}

type Outcome struct {
	Request
	Result bench.Result
	Err    error
}

type task struct {
	req     Request
	session *device.Session
	done    chan struct{}
	res     bench.Result
	err     error
}

type Pipeline struct {
	log *slog.Logger
	cfg Config
	out io.Writer

	mu       sync.Mutex
	cond     *sync.Cond
	pending  *queue.Queue // of Request
	tasks    []*task
	outcomes []Outcome
	exit     bool

	exited chan struct{}
}

// New starts the worker. ctx is handed to every benchmark run.
func New(ctx context.Context, cfg Config) *Pipeline {
	if cfg.ReapWait <= 0 { cfg.ReapWait = DEFAULT_REAP_WAIT }

	// tasks print concurrently, keep their lines whole
	out := &lockedWriter{w: io.Discard}
	if cfg.Bench.Out != nil { out.w = cfg.Bench.Out }
	cfg.Bench.Out = out

	p := &Pipeline{
		log:     slog.With("src", "Pipeline"),
		cfg:     cfg,
		out:     out,
		pending: queue.New(),
		exited:  make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.worker(ctx)
	return p
}

func (p *Pipeline) Submit(req Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exit { return ErrClosed }
	p.pending.Add(req)
	p.cond.Signal()
	return nil
}

func (p *Pipeline) Read(conn device.Connection, path string, flags device.Flags, id int, async bool) error {
	return p.Submit(Request{Conn: conn, Path: path, Flags: flags, ID: id, Read: true, Async: async})
}

func (p *Pipeline) Write(conn device.Connection, path string, flags device.Flags, id int, async bool) error {
	return p.Submit(Request{Conn: conn, Path: path, Flags: flags, ID: id, Read: false, Async: async})
}

// Close stops accepting requests and returns once everything already submitted
// has been opened, run and reaped.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.exit = true
	p.cond.Broadcast()
	p.mu.Unlock()
	<-p.exited
}

// Outcomes in the order tasks were reaped (opens that failed count as reaped
// right away).
func (p *Pipeline) Outcomes() []Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Outcome(nil), p.outcomes...)
}

func (p *Pipeline) worker(ctx context.Context) {
	defer close(p.exited)
	p.log.Debug("worker started")

	for {
		p.mu.Lock()
		for p.pending.Length() == 0 && len(p.tasks) == 0 && !p.exit {
			p.cond.Wait()
		}
		if p.exit && p.pending.Length() == 0 && len(p.tasks) == 0 {
			p.mu.Unlock()
			p.log.Debug("worker exited")
			return
		}
		pending := p.pending
		p.pending = queue.New()
		p.mu.Unlock()

		for pending.Length() > 0 {
			p.launch(ctx, pending.Remove().(Request))
		}
		p.reap()
	}
}

func (p *Pipeline) launch(ctx context.Context, req Request) {
	s, err := device.Open(req.Conn, req.Path, req.Flags, req.ID)
	if err != nil {
		p.log.Error("open", "disk", req.ID, "path", req.Path, "err", err)
		p.record(Outcome{Request: req, Err: err})
		return
	}

	t := &task{req: req, session: s, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		if req.Async {
			t.res, t.err = bench.RunAsync(ctx, s, req.Read, p.cfg.Bench)
		} else {
			t.res, t.err = bench.RunSync(ctx, s, req.Read, p.cfg.Bench)
		}
	}()

	p.mu.Lock()
	p.tasks = append(p.tasks, t)
	p.mu.Unlock()
}

// reap gives every task up to ReapWait to finish. Finished tasks lose their
// session and leave the task list.
func (p *Pipeline) reap() {
	p.mu.Lock()
	tasks := p.tasks
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.ReapWait)
	defer timer.Stop()

	running := make([]*task, 0, len(tasks))
	for _, t := range tasks {
		timer.Reset(p.cfg.ReapWait)
		select {
		case <-t.done:
		case <-timer.C:
			running = append(running, t)
			continue
		}

		if err := t.session.Close(); err != nil && t.err == nil {
			t.err = err
		}
		p.record(Outcome{Request: t.req, Result: t.res, Err: t.err})
	}

	p.mu.Lock()
	p.tasks = running
	p.mu.Unlock()
}

func (p *Pipeline) record(o Outcome) {
	if o.Err != nil {
		p.log.Error("task failed", "disk", o.ID, "path", o.Path, "err", o.Err)
		fmt.Fprintf(p.out, "Disk[%d] - Error: %v\n", o.ID, o.Err)
	} else {
		p.log.Info("task done", "disk", o.ID, "ops", o.Result.Ops, "speed", o.Result.Speed)
	}
	p.mu.Lock()
	p.outcomes = append(p.outcomes, o)
	p.mu.Unlock()
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(b []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(b)
}
