// Package bufpool hands out reusable I/O buffers.
//
// A Bounded pool pre-allocates a fixed arena of buffers and blocks when it runs
// dry, which is what throttles the depth of an async benchmark. An Unbounded pool
// allocates on demand and frees on release. Both track every buffer they hand out,
// and both take an explicit Sync deciding whether they may be shared between
// goroutines.
package bufpool

import (
	"errors"
	"fmt"
)

var (
	ErrAlloc         = errors.New("bufpool: allocation failed")
	ErrContract      = errors.New("bufpool: contract violation")
	ErrUnknownBuffer = fmt.Errorf("%w: buffer not owned by pool", ErrContract)
	ErrShutdown      = errors.New("bufpool: pool is shutting down")
	ErrExhausted     = errors.New("bufpool: no buffer available")
)

// Cap() of a pool without a buffer limit
const UNBOUNDED = -1

// Buffer is a handle to pool memory. The slot is the arena index it came from
// (bounded pools) and must travel back with it on Release.
type Buffer struct {
	Data []byte
	slot int
}

// Valid is false for the zero Buffer, which is what a failed Acquire returns.
func (b Buffer) Valid() bool {
	return b.Data != nil
}

type Pool interface {
	// Acquire blocks (bounded, locking mode) until a buffer is free.
	Acquire() (Buffer, error)
	Release(b Buffer) error
	BufSize() int
	Cap() int
	Outstanding() int
	Available() int
	// Close releases the pool's memory. Bounded pools wait for every buffer
	// to come back first.
	Close() error
}
