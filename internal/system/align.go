package system

import "unsafe"

// Addr is the address of the first byte of buf (0 for an empty slice).
func Addr(buf []byte) uintptr {
	if cap(buf) == 0 { return 0 }
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

// number of bytes to skip from the start of buf to reach an address aligned to align
func alignOffset(buf []byte, align int) int {
	a := uintptr(align)
	return int((a - Addr(buf)%a) % a)
}

// AlignOffset reports how far into buf the first align-aligned address is.
// align must be a power of two.
func AlignOffset(buf []byte, align int) int {
	return alignOffset(buf, align)
}
