//go:build linux

package system

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

const MMAP_MODE = unix.MAP_ANON | unix.MAP_PRIVATE
const MMAP_PROT = unix.PROT_READ | unix.PROT_WRITE

// For fixed/aligned buffers. This allocation will be aligned to the system page size
// (check using: `getconf PAGESIZE`. This will basically always be 0x1000 (4096))
func AllocSlab(size int) ([]byte, error) {
	raw, err := unix.Mmap(-1, 0, size, MMAP_PROT, MMAP_MODE)
	if err != nil {
		slog.Error("AllocSlab", "size", size, "err", err)
	}
	return raw, err
}

func DeallocSlab(ptr []byte) error {
	err := unix.Munmap(ptr)
	if err != nil {
		slog.Error("DeallocSlab", "err", err)
	}
	return err
}

// BlockDeviceGeometry returns (size in bytes, logical sector size, physical sector size)
// for an opened block device.
func BlockDeviceGeometry(fd int) (uint64, uint32, uint32, error) {
	size, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
	if err != nil { return 0, 0, 0, err }
	lss, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil { return 0, 0, 0, err }
	pss, err := unix.IoctlGetInt(fd, unix.BLKPBSZGET)
	if err != nil {
		// not every driver reports it, logical is a safe stand-in
		pss = lss
	}
	return uint64(size), uint32(lss), uint32(pss), nil
}
