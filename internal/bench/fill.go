package bench

import (
	"errors"
	"fmt"
	"io"

	c "diskbench/internal"
	"diskbench/internal/bufpool"
	"diskbench/internal/device"
)

// Fill writes value into every byte of count sectors starting at start, one
// sector at a time.
func Fill(s *device.Session, start, count uint64, value byte) error {
	h := s.Handle()
	if h == nil { return ErrSessionClosed }
	if capacity := s.Info().Capacity; start+count > capacity || start+count < start {
		return device.NewError(device.ErrIO, device.CodeRange, fmt.Errorf("sectors %d+%d beyond %d", start, count, capacity))
	}

	pool, err := NewPool(s, c.SECTOR_SIZE, bufpool.UNBOUNDED, bufpool.NoSync{})
	if err != nil { return err }
	err = fill(h, pool, start, count, value)
	if cerr := pool.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func fill(h device.Handle, pool bufpool.Pool, start, count uint64, value byte) error {
	buf, err := pool.Acquire()
	if err != nil { return err }

	data := buf.Data[:c.SECTOR_SIZE]
	for i := range data {
		data[i] = value
	}
	for i := range count {
		if err = h.WriteAt(start+i, 1, data); err != nil {
			err = fmt.Errorf("fill sector %d: %w", start+i, err)
			break
		}
	}

	if rerr := pool.Release(buf); rerr != nil {
		err = errors.Join(err, rerr)
	}
	return err
}

func Describe(s *device.Session, w io.Writer) {
	info := s.Info()
	fmt.Fprintf(w, "capacity             = %d sectors\n", info.Capacity)
	fmt.Fprintf(w, "logical sector size  = %d bytes\n", info.LogicalSectorSize)
	fmt.Fprintf(w, "physical sector size = %d bytes\n", info.PhysicalSectorSize)
	fmt.Fprintf(w, "adapter type         = %s\n", orUnknown(info.AdapterType))
	fmt.Fprintf(w, "transport mode       = %s\n", orUnknown(info.TransportMode))
	if align := s.Alignment(); align != 0 {
		fmt.Fprintf(w, "buffer alignment     = %d bytes\n", align)
	}
}

func orUnknown(s string) string {
	if s == "" { return "unknown" }
	return s
}
