// Package device is the narrow view the benchmark engine has of a block device
// collaborator: open a path over a connection, query its geometry, and move
// sectors synchronously or asynchronously.
package device

// Flags passed through to Connection.Open
type Flags uint32

const (
	FlagReadOnly Flags = 1 << iota
	// bypass the page cache (O_DIRECT); buffers must honour Info.Alignment
	FlagUnbuffered
)

const (
	ModeFile   = "file"
	ModeDirect = "direct"
)

// Info is the immutable description of an opened device. Capacity is counted in
// addressable units (internal.SECTOR_SIZE).
type Info struct {
	Capacity           uint64
	LogicalSectorSize  uint32
	PhysicalSectorSize uint32
	AdapterType        string
	TransportMode      string

	// The device answers the alignment question itself; the pool never guesses
	// it from the transport name.
	RequiresAlignment bool
	Alignment         uint32
}

// Completion is invoked exactly once per accepted async submission, possibly on a
// goroutine owned by the device layer.
type Completion func(err error)

type Handle interface {
	Info() (Info, error)

	ReadAt(sector uint64, count uint64, buf []byte) error
	WriteAt(sector uint64, count uint64, buf []byte) error

	// buf belongs to the device until done fires. If an error is returned the
	// submission was not accepted and done will never be called.
	ReadAsync(sector uint64, count uint64, buf []byte, done Completion) error
	WriteAsync(sector uint64, count uint64, buf []byte, done Completion) error

	// Wait blocks until every outstanding async operation on this handle completed.
	Wait()

	Close() error
}

type Connection interface {
	Open(path string, flags Flags) (Handle, error)
}
