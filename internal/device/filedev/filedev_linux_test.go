//go:build linux

package filedev

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	c "diskbench/internal"
	"diskbench/internal/bufpool"
	"diskbench/internal/device"
	"diskbench/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const SECTORS = 256

func image(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, c.SectorsToBytes(SECTORS)+100), 0o644))
	return path
}

func Test_Filedev_Info(t *testing.T) {
	conn := Connect(Options{})
	defer conn.Disconnect()

	h, err := conn.Open(image(t), 0)
	require.NoError(t, err)
	defer h.Close()

	info, err := h.Info()
	require.NoError(t, err)
	// the trailing partial sector is not addressable
	assert.EqualValues(t, SECTORS, info.Capacity)
	assert.Equal(t, device.ModeFile, info.TransportMode)
	assert.False(t, info.RequiresAlignment)
	assert.EqualValues(t, c.SECTOR_SIZE, info.LogicalSectorSize)
}

func Test_Filedev_Open_Missing(t *testing.T) {
	conn := Connect(Options{})
	_, err := conn.Open(filepath.Join(t.TempDir(), "nope.img"), 0)
	assert.ErrorIs(t, err, device.ErrOpen)
	assert.Equal(t, device.CodeFileNotFound, device.CodeOf(err))
}

func Test_Filedev_Sync_RoundTrip(t *testing.T) {
	conn := Connect(Options{})
	h, err := conn.Open(image(t), 0)
	require.NoError(t, err)
	defer h.Close()

	buf := make([]byte, c.SectorsToBytes(8))
	util.FillRandom(buf)
	require.NoError(t, h.WriteAt(16, 8, buf))

	got := make([]byte, len(buf))
	require.NoError(t, h.ReadAt(16, 8, got))
	assert.True(t, bytes.Equal(buf, got))

	assert.Equal(t, device.CodeRange, device.CodeOf(h.ReadAt(SECTORS-4, 8, got)))
	assert.Equal(t, device.CodeInvalidArg, device.CodeOf(h.ReadAt(0, 9, got)))
}

func testAsync(t *testing.T, conn *Connection, flags device.Flags) {
	h, err := conn.Open(image(t), flags)
	require.NoError(t, err)
	defer h.Close()
	info, _ := h.Info()

	align := 0
	if info.RequiresAlignment { align = int(info.Alignment) }
	var alloc bufpool.Allocator = bufpool.Unaligned{}
	if align > 0 {
		alloc, err = bufpool.NewAligned(align)
		require.NoError(t, err)
	}

	const BLOCK = 16
	const OPS = SECTORS / BLOCK
	src, err := alloc.Alloc(int(c.SectorsToBytes(SECTORS)))
	require.NoError(t, err)
	dst, err := alloc.Alloc(int(c.SectorsToBytes(SECTORS)))
	require.NoError(t, err)
	util.FillRandom(src)

	run := func(write bool, slab []byte) {
		var mu sync.Mutex
		var errs []error
		for i := range OPS {
			lo := c.SectorsToBytes(uint64(i * BLOCK))
			part := slab[lo : lo+c.SectorsToBytes(BLOCK)]
			done := func(err error) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			if write {
				require.NoError(t, h.WriteAsync(uint64(i*BLOCK), BLOCK, part, done))
			} else {
				require.NoError(t, h.ReadAsync(uint64(i*BLOCK), BLOCK, part, done))
			}
		}
		h.Wait()
		require.Len(t, errs, OPS)
		for _, err := range errs {
			require.NoError(t, err)
		}
	}
	run(true, src)
	run(false, dst)
	assert.True(t, bytes.Equal(src, dst), "read-back data didnt match")
}

func Test_Filedev_Async_Goroutines(t *testing.T) {
	testAsync(t, Connect(Options{}), 0)
}

func Test_Filedev_Async_Uring(t *testing.T) {
	conn := Connect(Options{Uring: true})
	defer conn.Disconnect()
	if !conn.Uring() {
		t.Skip("io_uring unavailable")
	}
	testAsync(t, conn, 0)
}

func Test_Filedev_Direct(t *testing.T) {
	conn := Connect(Options{})
	path := image(t)
	h, err := conn.Open(path, device.FlagUnbuffered)
	if err != nil {
		// tmpfs and friends reject O_DIRECT
		t.Skipf("O_DIRECT unsupported here: %v", err)
	}
	info, _ := h.Info()
	h.Close()
	assert.Equal(t, device.ModeDirect, info.TransportMode)
	assert.True(t, info.RequiresAlignment)
	assert.NotZero(t, info.Alignment)

	testAsync(t, conn, device.FlagUnbuffered)
}
