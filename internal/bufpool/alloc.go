package bufpool

import (
	"fmt"
	"sync"
	"unsafe"

	"diskbench/internal/system"
)

// Allocator produces the raw memory behind pool buffers.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Free(buf []byte) error
	// 0 for no alignment guarantee beyond the Go heap's
	Alignment() int
}

type Unaligned struct{}

func (Unaligned) Alloc(size int) ([]byte, error) {
	if size <= 0 { return nil, fmt.Errorf("%w: invalid size %d", ErrAlloc, size) }
	return make([]byte, size), nil
}

func (Unaligned) Free(buf []byte) error { return nil }

func (Unaligned) Alignment() int { return 0 }

// Aligned hands out buffers whose first byte sits on an Alignment() boundary, for
// devices doing direct (unbuffered) I/O. Memory is mmap-ed outside the Go heap.
type Aligned struct {
	align int
	mu    sync.Mutex
	// returned slice start -> full mapping, for alignments above the page size
	slabs map[*byte][]byte
}

func NewAligned(align int) (*Aligned, error) {
	if !system.IsPow2(align) {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrAlloc, align)
	}
	return &Aligned{
		align: align,
		slabs: make(map[*byte][]byte),
	}, nil
}

func (a *Aligned) Alignment() int { return a.align }

func (a *Aligned) Alloc(size int) ([]byte, error) {
	if size <= 0 { return nil, fmt.Errorf("%w: invalid size %d", ErrAlloc, size) }

	pad := 0
	if a.align > system.PageSize() {
		pad = a.align
	}
	raw, err := system.AllocSlab(size + pad)
	if err != nil { return nil, fmt.Errorf("%w: %w", ErrAlloc, err) }

	off := system.AlignOffset(raw, a.align)
	buf := raw[off : off+size : off+size]
	if system.Addr(buf)%uintptr(a.align) != 0 {
		system.DeallocSlab(raw)
		return nil, fmt.Errorf("%w: could not align to %d", ErrAlloc, a.align)
	}

	a.mu.Lock()
	a.slabs[unsafe.SliceData(buf)] = raw
	a.mu.Unlock()
	return buf, nil
}

func (a *Aligned) Free(buf []byte) error {
	a.mu.Lock()
	raw, ok := a.slabs[unsafe.SliceData(buf)]
	delete(a.slabs, unsafe.SliceData(buf))
	a.mu.Unlock()
	if !ok { return ErrUnknownBuffer }
	return system.DeallocSlab(raw)
}
