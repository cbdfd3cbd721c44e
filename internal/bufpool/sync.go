package bufpool

import "sync"

// Sync is the pool's concurrency policy. NoSync is for a pool only ever touched by
// one goroutine, Locking for a pool shared with completion callbacks.
type Sync interface {
	Lock()
	Unlock()
	// Wait releases the lock until signalled and reacquires it. Returns false
	// if this policy cannot wait at all, in which case the lock is still held.
	Wait() bool
	Signal()
	Broadcast()
}

type NoSync struct{}

func (NoSync) Lock()       {}
func (NoSync) Unlock()     {}
func (NoSync) Wait() bool  { return false }
func (NoSync) Signal()     {}
func (NoSync) Broadcast()  {}

type Locking struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func NewLocking() *Locking {
	l := &Locking{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *Locking) Lock()       { l.mu.Lock() }
func (l *Locking) Unlock()     { l.mu.Unlock() }
func (l *Locking) Wait() bool  { l.cond.Wait(); return true }
func (l *Locking) Signal()     { l.cond.Signal() }
func (l *Locking) Broadcast()  { l.cond.Broadcast() }
