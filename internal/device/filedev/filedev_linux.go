//go:build linux

// Package filedev serves regular files and block devices as benchmark targets.
// Async I/O goes through a shared io_uring when one can be created and falls back
// to a goroutine per operation otherwise.
package filedev

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	c "diskbench/internal"
	"diskbench/internal/device"
	"diskbench/internal/iomgr"
	"diskbench/internal/system"

	"golang.org/x/sys/unix"
)

type Options struct {
	// use io_uring for async I/O
	Uring bool
}

type Connection struct {
	log *slog.Logger
	mgr *iomgr.IoMgr
}

func Connect(opts Options) *Connection {
	log := slog.With("src", "filedev")
	conn := &Connection{log: log}
	if opts.Uring {
		mgr, err := iomgr.CreateIoMgr()
		if err != nil {
			log.Warn("io_uring unavailable, async I/O falls back to goroutines", "err", err)
		} else {
			conn.mgr = mgr
		}
	}
	return conn
}

// Uring reports whether async I/O runs on io_uring.
func (fc *Connection) Uring() bool { return fc.mgr != nil }

// Disconnect tears down the ring. Every handle must be closed first.
func (fc *Connection) Disconnect() {
	if fc.mgr != nil {
		fc.mgr.Close()
	}
}

func errnoCode(err error) device.Code {
	switch {
	case errors.Is(err, unix.ENOENT):
		return device.CodeFileNotFound
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM), errors.Is(err, unix.EROFS):
		return device.CodeAccess
	case errors.Is(err, unix.ENOMEM):
		return device.CodeOutOfMemory
	case errors.Is(err, unix.EINVAL):
		return device.CodeInvalidArg
	case errors.Is(err, unix.EOPNOTSUPP):
		return device.CodeNotSupported
	}
	return device.CodeIO
}

func (fc *Connection) Open(path string, flags device.Flags) (device.Handle, error) {
	mode := unix.O_RDWR
	if flags&device.FlagReadOnly != 0 {
		mode = unix.O_RDONLY
	}
	transport := device.ModeFile
	if flags&device.FlagUnbuffered != 0 {
		mode |= unix.O_DIRECT
		transport = device.ModeDirect
	}

	fd, err := unix.Open(path, mode|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, device.NewError(device.ErrOpen, errnoCode(err), fmt.Errorf("open %s: %w", path, err))
	}

	info, err := probe(fd, transport)
	if err != nil {
		if cerr := unix.Close(fd); cerr != nil {
			fc.log.Error("close after failed probe", "path", path, "err", cerr)
		}
		return nil, device.NewError(device.ErrOpen, errnoCode(err), fmt.Errorf("probe %s: %w", path, err))
	}

	return &handle{
		log:  fc.log.With("path", path),
		mgr:  fc.mgr,
		fd:   fd,
		info: info,
	}, nil
}

func probe(fd int, transport string) (device.Info, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil { return device.Info{}, err }

	info := device.Info{
		TransportMode:      transport,
		AdapterType:        "file",
		LogicalSectorSize:  c.SECTOR_SIZE,
		PhysicalSectorSize: uint32(st.Blksize),
	}
	size := uint64(st.Size)

	if st.Mode&unix.S_IFMT == unix.S_IFBLK {
		bsize, lss, pss, err := system.BlockDeviceGeometry(fd)
		if err != nil { return device.Info{}, err }
		size = bsize
		info.AdapterType = "block"
		info.LogicalSectorSize = lss
		info.PhysicalSectorSize = pss
	} else if transport == device.ModeDirect && st.Blksize > 0 {
		// filesystems want O_DIRECT aligned to their block size
		info.LogicalSectorSize = uint32(st.Blksize)
	}

	info.Capacity = size / c.SECTOR_SIZE
	if transport == device.ModeDirect {
		info.RequiresAlignment = true
		info.Alignment = info.LogicalSectorSize
	}
	return info, nil
}

type handle struct {
	log  *slog.Logger
	mgr  *iomgr.IoMgr
	fd   int
	info device.Info

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (h *handle) Info() (device.Info, error) { return h.info, nil }

func (h *handle) span(sector, count uint64, buf []byte) ([]byte, int64, error) {
	n := c.SectorsToBytes(count)
	if uint64(len(buf)) < n {
		return nil, 0, device.NewError(device.ErrIO, device.CodeInvalidArg, fmt.Errorf("buffer of %d bytes for %d sectors", len(buf), count))
	}
	if sector+count > h.info.Capacity {
		return nil, 0, device.NewError(device.ErrIO, device.CodeRange, fmt.Errorf("sectors %d+%d beyond %d", sector, count, h.info.Capacity))
	}
	return buf[:n], int64(c.SectorsToBytes(sector)), nil
}

func (h *handle) ReadAt(sector uint64, count uint64, buf []byte) error {
	p, off, err := h.span(sector, count, buf)
	if err != nil { return err }
	for len(p) > 0 {
		n, err := unix.Pread(h.fd, p, off)
		if err == unix.EINTR { continue }
		if err != nil { return device.NewError(device.ErrIO, errnoCode(err), err) }
		if n == 0 { return device.NewError(device.ErrIO, device.CodeIO, fmt.Errorf("short read at byte %d", off)) }
		p = p[n:]
		off += int64(n)
	}
	return nil
}

func (h *handle) WriteAt(sector uint64, count uint64, buf []byte) error {
	p, off, err := h.span(sector, count, buf)
	if err != nil { return err }
	for len(p) > 0 {
		n, err := unix.Pwrite(h.fd, p, off)
		if err == unix.EINTR { continue }
		if err != nil { return device.NewError(device.ErrIO, errnoCode(err), err) }
		if n == 0 { return device.NewError(device.ErrIO, device.CodeIO, fmt.Errorf("short write at byte %d", off)) }
		p = p[n:]
		off += int64(n)
	}
	return nil
}

func (h *handle) async(opcode iomgr.OpCode, sector, count uint64, buf []byte, done device.Completion) error {
	p, off, err := h.span(sector, count, buf)
	if err != nil { return err }

	h.wg.Add(1)
	if h.mgr == nil {
		go func() {
			defer h.wg.Done()
			if opcode == iomgr.OpRead {
				done(h.ReadAt(sector, count, buf))
			} else {
				done(h.WriteAt(sector, count, buf))
			}
		}()
		return nil
	}

	err = h.mgr.Submit(&iomgr.Op{
		Opcode: opcode,
		Fd:     h.fd,
		Buf:    p,
		Off:    uint64(off),
		Done: func(res int32) {
			defer h.wg.Done()
			done(resultErr(res, len(p)))
		},
	})
	if err != nil {
		h.wg.Done()
		return device.NewError(device.ErrIO, device.CodeFail, err)
	}
	return nil
}

func resultErr(res int32, want int) error {
	if res < 0 {
		errno := unix.Errno(-res)
		return device.NewError(device.ErrIO, errnoCode(errno), errno)
	}
	if int(res) != want {
		return device.NewError(device.ErrIO, device.CodeIO, fmt.Errorf("short transfer: %d of %d bytes", res, want))
	}
	return nil
}

func (h *handle) ReadAsync(sector uint64, count uint64, buf []byte, done device.Completion) error {
	return h.async(iomgr.OpRead, sector, count, buf, done)
}

func (h *handle) WriteAsync(sector uint64, count uint64, buf []byte, done device.Completion) error {
	return h.async(iomgr.OpWrite, sector, count, buf, done)
}

func (h *handle) Wait() {
	h.wg.Wait()
}

func (h *handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.wg.Wait()
		if cerr := unix.Close(h.fd); cerr != nil {
			err = device.NewError(device.ErrIO, errnoCode(cerr), cerr)
		}
		h.log.Debug("closed", "fd", h.fd)
		h.fd = -1
	})
	return err
}
