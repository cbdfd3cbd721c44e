// Package simdev is an in-memory device collaborator. Disks live as long as the
// Connection, so data written through one Session can be read back by the next.
package simdev

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	c "diskbench/internal"
	"diskbench/internal/device"
	"diskbench/internal/system"
)

type Disk struct {
	Capacity           uint64 // sectors
	LogicalSectorSize  uint32
	PhysicalSectorSize uint32
	TransportMode      string
	RequiresAlignment  bool
	AdapterType        string

	FailOpen bool
	// fail the first I/O touching FailSector
	FailIO     bool
	FailSector uint64

	// delay before each async completion fires
	Latency time.Duration
	// keep no data: writes are dropped, reads return zeroes
	Sparse bool
}

type Stats struct {
	Opens          int64
	Closes         int64
	Reads          int64
	Writes         int64
	AsyncSubmits   int64
	Completions    int64
	Outstanding    int64
	MaxOutstanding int64
	// starting sector of every synchronous op, in issue order
	Offsets []uint64
}

type disk struct {
	cfg  Disk
	mu   sync.Mutex
	data []byte

	opens, closes, reads, writes atomic.Int64
	submits, completions         atomic.Int64
	outstanding, maxOutstanding  atomic.Int64
	failed                       atomic.Bool

	offMu   sync.Mutex
	offsets []uint64
}

type Connection struct {
	log   *slog.Logger
	mu    sync.Mutex
	disks map[string]*disk
}

func New() *Connection {
	return &Connection{
		log:   slog.With("src", "simdev"),
		disks: make(map[string]*disk),
	}
}

// Add registers (or replaces) the disk served at path.
func (sc *Connection) Add(path string, cfg Disk) {
	if cfg.LogicalSectorSize == 0 { cfg.LogicalSectorSize = c.SECTOR_SIZE }
	if cfg.PhysicalSectorSize == 0 { cfg.PhysicalSectorSize = cfg.LogicalSectorSize }
	if cfg.TransportMode == "" { cfg.TransportMode = device.ModeFile }
	if cfg.AdapterType == "" { cfg.AdapterType = "sim" }

	d := &disk{cfg: cfg}
	if !cfg.Sparse {
		d.data = make([]byte, c.SectorsToBytes(cfg.Capacity))
	}

	sc.mu.Lock()
	sc.disks[path] = d
	sc.mu.Unlock()
}

func (sc *Connection) Stats(path string) Stats {
	sc.mu.Lock()
	d, ok := sc.disks[path]
	sc.mu.Unlock()
	if !ok { return Stats{} }

	d.offMu.Lock()
	offsets := append([]uint64(nil), d.offsets...)
	d.offMu.Unlock()

	return Stats{
		Opens:          d.opens.Load(),
		Closes:         d.closes.Load(),
		Reads:          d.reads.Load(),
		Writes:         d.writes.Load(),
		AsyncSubmits:   d.submits.Load(),
		Completions:    d.completions.Load(),
		Outstanding:    d.outstanding.Load(),
		MaxOutstanding: d.maxOutstanding.Load(),
		Offsets:        offsets,
	}
}

// Data is a copy of the disk's contents.
func (sc *Connection) Data(path string) []byte {
	sc.mu.Lock()
	d, ok := sc.disks[path]
	sc.mu.Unlock()
	if !ok { return nil }
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.data...)
}

func (sc *Connection) Open(path string, flags device.Flags) (device.Handle, error) {
	sc.mu.Lock()
	d, ok := sc.disks[path]
	sc.mu.Unlock()
	if !ok {
		return nil, device.NewError(device.ErrOpen, device.CodeFileNotFound, fmt.Errorf("no such disk %q", path))
	}
	if d.cfg.FailOpen {
		return nil, device.NewError(device.ErrOpen, device.CodeFail, fmt.Errorf("open of %q refused", path))
	}

	d.opens.Add(1)
	mode := d.cfg.TransportMode
	if flags&device.FlagUnbuffered != 0 {
		mode = device.ModeDirect
	}
	return &handle{
		disk:     d,
		log:      sc.log.With("path", path),
		readOnly: flags&device.FlagReadOnly != 0,
		mode:     mode,
	}, nil
}

type handle struct {
	disk     *disk
	log      *slog.Logger
	readOnly bool
	mode     string
	wg       sync.WaitGroup
	closed   atomic.Bool
}

func (h *handle) Info() (device.Info, error) {
	cfg := h.disk.cfg
	align := cfg.RequiresAlignment || h.mode == device.ModeDirect
	return device.Info{
		Capacity:           cfg.Capacity,
		LogicalSectorSize:  cfg.LogicalSectorSize,
		PhysicalSectorSize: cfg.PhysicalSectorSize,
		AdapterType:        cfg.AdapterType,
		TransportMode:      h.mode,
		RequiresAlignment:  align,
		Alignment:          cfg.LogicalSectorSize,
	}, nil
}

func (h *handle) check(sector, count uint64, buf []byte, write bool) error {
	d := h.disk
	if h.closed.Load() {
		return device.NewError(device.ErrIO, device.CodeInvalidArg, fmt.Errorf("handle closed"))
	}
	if write && h.readOnly {
		return device.NewError(device.ErrIO, device.CodeAccess, fmt.Errorf("opened read-only"))
	}
	if uint64(len(buf)) < c.SectorsToBytes(count) {
		return device.NewError(device.ErrIO, device.CodeInvalidArg, fmt.Errorf("buffer of %d bytes for %d sectors", len(buf), count))
	}
	if sector+count > d.cfg.Capacity {
		return device.NewError(device.ErrIO, device.CodeRange, fmt.Errorf("sectors %d+%d beyond %d", sector, count, d.cfg.Capacity))
	}
	if h.mode == device.ModeDirect || d.cfg.RequiresAlignment {
		align := uintptr(d.cfg.LogicalSectorSize)
		if system.Addr(buf)%align != 0 {
			return device.NewError(device.ErrIO, device.CodeInvalidArg, fmt.Errorf("buffer not aligned to %d", align))
		}
	}
	if d.cfg.FailIO && sector <= d.cfg.FailSector && d.cfg.FailSector < sector+count {
		if d.failed.CompareAndSwap(false, true) {
			return device.NewError(device.ErrIO, device.CodeIO, fmt.Errorf("injected failure at sector %d", d.cfg.FailSector))
		}
	}
	return nil
}

func (h *handle) transfer(sector, count uint64, buf []byte, write bool) {
	d := h.disk
	if d.cfg.Sparse {
		if !write { clear(buf[:c.SectorsToBytes(count)]) }
		return
	}
	lo := c.SectorsToBytes(sector)
	hi := lo + c.SectorsToBytes(count)
	d.mu.Lock()
	if write {
		copy(d.data[lo:hi], buf)
	} else {
		copy(buf, d.data[lo:hi])
	}
	d.mu.Unlock()
}

func (h *handle) sync(sector, count uint64, buf []byte, write bool) error {
	if err := h.check(sector, count, buf, write); err != nil { return err }
	h.disk.offMu.Lock()
	h.disk.offsets = append(h.disk.offsets, sector)
	h.disk.offMu.Unlock()

	h.transfer(sector, count, buf, write)
	if write {
		h.disk.writes.Add(1)
	} else {
		h.disk.reads.Add(1)
	}
	return nil
}

func (h *handle) ReadAt(sector uint64, count uint64, buf []byte) error {
	return h.sync(sector, count, buf, false)
}

func (h *handle) WriteAt(sector uint64, count uint64, buf []byte) error {
	return h.sync(sector, count, buf, true)
}

func (h *handle) async(sector, count uint64, buf []byte, write bool, done device.Completion) error {
	d := h.disk
	if h.closed.Load() {
		return device.NewError(device.ErrIO, device.CodeInvalidArg, fmt.Errorf("handle closed"))
	}

	d.submits.Add(1)
	n := d.outstanding.Add(1)
	for {
		peak := d.maxOutstanding.Load()
		if n <= peak || d.maxOutstanding.CompareAndSwap(peak, n) { break }
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if d.cfg.Latency > 0 {
			time.Sleep(d.cfg.Latency)
		}
		err := h.check(sector, count, buf, write)
		if err == nil {
			h.transfer(sector, count, buf, write)
			if write {
				d.writes.Add(1)
			} else {
				d.reads.Add(1)
			}
		}
		// buf goes back to its owner inside done, stop counting it first
		d.outstanding.Add(-1)
		d.completions.Add(1)
		done(err)
	}()
	return nil
}

func (h *handle) ReadAsync(sector uint64, count uint64, buf []byte, done device.Completion) error {
	return h.async(sector, count, buf, false, done)
}

func (h *handle) WriteAsync(sector uint64, count uint64, buf []byte, done device.Completion) error {
	return h.async(sector, count, buf, true, done)
}

func (h *handle) Wait() {
	h.wg.Wait()
}

func (h *handle) Close() error {
	h.wg.Wait()
	if h.closed.Swap(true) {
		return device.NewError(device.ErrIO, device.CodeInvalidArg, fmt.Errorf("handle closed twice"))
	}
	h.disk.closes.Add(1)
	h.log.Debug("closed")
	return nil
}
