//go:build !linux

package system

import "errors"

var ErrUnsupported = errors.New("system: unsupported platform")

// Anonymous mappings are not wired on this platform; page alignment is emulated
// by over-allocating on the Go heap.
func AllocSlab(size int) ([]byte, error) {
	if size <= 0 { return nil, errors.New("system: invalid slab size") }
	page := PageSize()
	raw := make([]byte, size+page)
	off := alignOffset(raw, page)
	return raw[off : off+size : off+size], nil
}

func DeallocSlab(ptr []byte) error {
	return nil
}

func BlockDeviceGeometry(fd int) (uint64, uint32, uint32, error) {
	return 0, 0, 0, ErrUnsupported
}
