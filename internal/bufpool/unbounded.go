package bufpool

import (
	"errors"
	"fmt"
	"unsafe"
)

// Unbounded allocates a buffer per Acquire and frees it on Release.
type Unbounded struct {
	sync    Sync
	alloc   Allocator
	bufSize int
	live    map[*byte][]byte
}

func NewUnbounded(bufSize int, alloc Allocator, s Sync) *Unbounded {
	return &Unbounded{
		sync:    s,
		alloc:   alloc,
		bufSize: bufSize,
		live:    make(map[*byte][]byte),
	}
}

func (p *Unbounded) Acquire() (Buffer, error) {
	buf, err := p.alloc.Alloc(p.bufSize)
	if err != nil { return Buffer{}, err }

	p.sync.Lock()
	p.live[unsafe.SliceData(buf)] = buf
	p.sync.Unlock()
	return Buffer{Data: buf, slot: -1}, nil
}

// Release rejects (ErrUnknownBuffer) buffers it never handed out or already took back.
func (p *Unbounded) Release(b Buffer) error {
	key := unsafe.SliceData(b.Data)

	p.sync.Lock()
	buf, ok := p.live[key]
	if ok { delete(p.live, key) }
	p.sync.Unlock()

	if !ok { return ErrUnknownBuffer }
	return p.alloc.Free(buf)
}

func (p *Unbounded) BufSize() int { return p.bufSize }

func (p *Unbounded) Cap() int { return UNBOUNDED }

func (p *Unbounded) Outstanding() int {
	p.sync.Lock()
	defer p.sync.Unlock()
	return len(p.live)
}

// nothing is kept around between Acquires
func (p *Unbounded) Available() int { return 0 }

// Close frees anything still checked out and reports it as a contract error.
func (p *Unbounded) Close() error {
	p.sync.Lock()
	live := p.live
	p.live = make(map[*byte][]byte)
	p.sync.Unlock()

	var first error
	for _, buf := range live {
		if err := p.alloc.Free(buf); err != nil && first == nil {
			first = err
		}
	}
	if len(live) > 0 {
		err := fmt.Errorf("%w: closing with %d buffers outstanding", ErrContract, len(live))
		if first != nil { err = errors.Join(err, first) }
		return err
	}
	return nil
}
