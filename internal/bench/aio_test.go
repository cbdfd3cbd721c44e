package bench

import (
	"errors"
	"log/slog"
	"testing"

	c "diskbench/internal"
	"diskbench/internal/bufpool"
	"diskbench/internal/device"
	"diskbench/internal/device/simdev"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_aioContext_Completes_Once(t *testing.T) {
	pool, err := bufpool.NewBounded(1, 512, bufpool.Unaligned{}, bufpool.NewLocking())
	require.NoError(t, err)
	buf, err := pool.Acquire()
	require.NoError(t, err)

	run := &aioRun{log: slog.Default(), read: true}
	aio := &aioContext{run: run, pool: pool, buf: buf, data: buf.Data, sector: 42}

	aio.complete(errors.New("medium error"))
	assert.EqualValues(t, 1, run.completed.Load())
	assert.EqualValues(t, 1, run.failed.Load())
	assert.Equal(t, 1, pool.Available())
	require.Error(t, run.firstErr())
	assert.Contains(t, run.firstErr().Error(), "read of sector 42: medium error")

	assert.PanicsWithError(t, "bench: completion for sector 42 delivered twice", func() {
		aio.complete(nil)
	})
	assert.EqualValues(t, 1, run.completed.Load())
	require.NoError(t, pool.Close())
}

func Test_aioContext_First_Error_Kept(t *testing.T) {
	pool := bufpool.NewUnbounded(512, bufpool.Unaligned{}, bufpool.NewLocking())
	run := &aioRun{log: slog.Default()}

	for i, cause := range []error{nil, errors.New("first"), errors.New("second")} {
		buf, err := pool.Acquire()
		require.NoError(t, err)
		aio := &aioContext{run: run, pool: pool, buf: buf, data: buf.Data, sector: uint64(i)}
		aio.complete(cause)
	}
	assert.EqualValues(t, 3, run.completed.Load())
	assert.EqualValues(t, 2, run.failed.Load())
	assert.EqualError(t, run.firstErr(), "write of sector 1: first")
	assert.Zero(t, pool.Outstanding())
}

func Test_aioContext_Retire(t *testing.T) {
	pool, err := bufpool.NewBounded(1, 512, bufpool.Unaligned{}, bufpool.NewLocking())
	require.NoError(t, err)
	buf, err := pool.Acquire()
	require.NoError(t, err)

	run := &aioRun{log: slog.Default()}
	aio := &aioContext{run: run, pool: pool, buf: buf, data: buf.Data}
	aio.retire()
	assert.Zero(t, run.completed.Load())
	assert.Equal(t, 1, pool.Available())
	assert.Panics(t, func() { aio.complete(nil) })
}

func Test_Throughput(t *testing.T) {
	ms, speed := throughput(2048, 0)
	assert.EqualValues(t, 1, ms)
	assert.EqualValues(t, 1000, speed)

	ms, speed = throughput(131072, 2000*1e6)
	assert.EqualValues(t, 2000, ms)
	assert.EqualValues(t, 32, speed)
}

// hands out buffers but refuses to take them back
type leakyPool struct {
	*bufpool.Unbounded
}

func (p leakyPool) Release(b bufpool.Buffer) error { return bufpool.ErrUnknownBuffer }

func Test_Fill_Release_Error(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 8})
	h, err := conn.Open("d", 0)
	require.NoError(t, err)
	defer h.Close()

	pool := leakyPool{bufpool.NewUnbounded(c.SECTOR_SIZE, bufpool.Unaligned{}, bufpool.NoSync{})}
	err = fill(h, pool, 0, 4, 0x5a)
	assert.ErrorIs(t, err, bufpool.ErrUnknownBuffer)
	// the writes themselves went through
	assert.EqualValues(t, 4, conn.Stats("d").Writes)

	// write and release failures are both reported
	err = fill(h, pool, 6, 4, 0x5a)
	assert.ErrorIs(t, err, bufpool.ErrUnknownBuffer)
	assert.ErrorIs(t, err, device.ErrIO)
	assert.Equal(t, device.CodeRange, device.CodeOf(err))
}
