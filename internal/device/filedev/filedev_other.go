//go:build !linux

package filedev

import (
	"fmt"

	"diskbench/internal/device"
)

type Options struct {
	Uring bool
}

// Connection refuses every open: pread/pwrite, O_DIRECT and io_uring are only wired
// for linux.
type Connection struct{}

func Connect(opts Options) *Connection { return &Connection{} }

func (fc *Connection) Uring() bool { return false }

func (fc *Connection) Disconnect() {}

func (fc *Connection) Open(path string, flags device.Flags) (device.Handle, error) {
	return nil, device.NewError(device.ErrOpen, device.CodeNotSupported, fmt.Errorf("open %s: unsupported platform", path))
}
