package bench

import (
	"diskbench/internal/bufpool"
	"diskbench/internal/device"
)

// NewPool builds a pool whose allocator satisfies the session's alignment
// requirement. capacity bufpool.UNBOUNDED gives an unbounded pool.
func NewPool(s *device.Session, bufSize int, capacity int, sy bufpool.Sync) (bufpool.Pool, error) {
	var alloc bufpool.Allocator = bufpool.Unaligned{}
	if align := s.Alignment(); align != 0 {
		a, err := bufpool.NewAligned(align)
		if err != nil { return nil, err }
		alloc = a
	}

	if capacity == bufpool.UNBOUNDED {
		return bufpool.NewUnbounded(bufSize, alloc, sy), nil
	}
	p, err := bufpool.NewBounded(capacity, bufSize, alloc, sy)
	if err != nil { return nil, err }
	return p, nil
}
