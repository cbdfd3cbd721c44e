package bufpool

import (
	"fmt"
	"unsafe"

	"diskbench/internal/util"

	"github.com/negrel/assert"
)

// Bounded is a fixed arena of buffers. Acquire and Release never allocate.
type Bounded struct {
	sync    Sync
	alloc   Allocator
	bufSize int

	arena   [][]byte
	out     []bool // checked-out flag per slot
	free    util.Queue[int]
	closing bool
	closed  bool
}

// NewBounded allocates capacity buffers of bufSize bytes up front. On allocation
// failure whatever was already allocated is freed again.
func NewBounded(capacity int, bufSize int, alloc Allocator, s Sync) (*Bounded, error) {
	if capacity <= 0 { return nil, fmt.Errorf("%w: invalid capacity %d", ErrAlloc, capacity) }

	p := &Bounded{
		sync:    s,
		alloc:   alloc,
		bufSize: bufSize,
		arena:   make([][]byte, 0, capacity),
		out:     make([]bool, capacity),
		free:    util.CreateQueue[int](capacity),
	}

	for i := range capacity {
		buf, err := alloc.Alloc(bufSize)
		if err != nil {
			p.freeArena()
			return nil, err
		}
		p.arena = append(p.arena, buf)
		p.free.Push(i)
	}

	return p, nil
}

func (p *Bounded) Acquire() (Buffer, error) {
	p.sync.Lock()
	defer p.sync.Unlock()

	for p.free.Empty() {
		if p.closing { return Buffer{}, ErrShutdown }
		if !p.sync.Wait() { return Buffer{}, ErrExhausted }
	}
	if p.closing { return Buffer{}, ErrShutdown }

	slot := p.free.Pop()
	assert.Less(slot, len(p.arena), "free slot out of range")
	p.out[slot] = true
	return Buffer{Data: p.arena[slot], slot: slot}, nil
}

// Release panics on a buffer this pool does not currently have checked out: the
// bookkeeping is corrupt at that point and there is nothing safe left to do.
func (p *Bounded) Release(b Buffer) error {
	p.sync.Lock()
	if err := p.owns(b); err != nil {
		p.sync.Unlock()
		panic(err)
	}
	p.out[b.slot] = false
	p.free.Push(b.slot)
	closing := p.closing
	p.sync.Unlock()

	// the closer waits on the same condition, make sure it sees the return
	if closing {
		p.sync.Broadcast()
	} else {
		p.sync.Signal()
	}
	return nil
}

func (p *Bounded) owns(b Buffer) error {
	if b.slot < 0 || b.slot >= len(p.arena) {
		return fmt.Errorf("%w: slot %d out of range", ErrUnknownBuffer, b.slot)
	}
	if unsafe.SliceData(b.Data) != unsafe.SliceData(p.arena[b.slot]) {
		return fmt.Errorf("%w: slot %d holds a different buffer", ErrUnknownBuffer, b.slot)
	}
	if !p.out[b.slot] {
		return fmt.Errorf("%w: slot %d released twice", ErrContract, b.slot)
	}
	return nil
}

func (p *Bounded) BufSize() int { return p.bufSize }

func (p *Bounded) Cap() int { return len(p.arena) }

func (p *Bounded) Outstanding() int {
	p.sync.Lock()
	defer p.sync.Unlock()
	return len(p.arena) - p.free.Cnt()
}

func (p *Bounded) Available() int {
	p.sync.Lock()
	defer p.sync.Unlock()
	return p.free.Cnt()
}

// Close fails pending and future Acquires with ErrShutdown, then waits for every
// buffer to be released before freeing the arena. A NoSync pool cannot wait, so
// closing it with buffers outstanding is a contract error and frees nothing.
func (p *Bounded) Close() error {
	p.sync.Lock()
	if p.closed {
		p.sync.Unlock()
		return nil
	}
	p.closing = true
	p.sync.Broadcast()
	for p.free.Cnt() != len(p.arena) {
		if !p.sync.Wait() {
			outstanding := len(p.arena) - p.free.Cnt()
			p.sync.Unlock()
			return fmt.Errorf("%w: closing with %d buffers outstanding", ErrContract, outstanding)
		}
	}
	p.closed = true
	p.sync.Unlock()

	return p.freeArena()
}

func (p *Bounded) freeArena() error {
	var first error
	for i, buf := range p.arena {
		if err := p.alloc.Free(buf); err != nil && first == nil {
			first = err
		}
		p.arena[i] = nil
	}
	return first
}
