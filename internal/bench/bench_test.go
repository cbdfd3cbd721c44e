package bench_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	c "diskbench/internal"
	"diskbench/internal/bench"
	"diskbench/internal/bufpool"
	"diskbench/internal/device"
	"diskbench/internal/device/simdev"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelWarn,
			TimeFormat: time.TimeOnly,
		}),
	))
	os.Exit(m.Run())
}

var finalLine = regexp.MustCompile(`^Disk\[(\d+)\] - (Read|Wrote) (\d+) MBytes in (\d+) msec \((\d+) MBytes/sec\)$`)

func open(t *testing.T, conn *simdev.Connection, path string, id int) *device.Session {
	t.Helper()
	s, err := device.Open(conn, path, 0, id)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func cfgTo(out *bytes.Buffer) bench.Config {
	cfg := bench.DefaultConfig()
	cfg.Out = out
	return cfg
}

func lines(out *bytes.Buffer) []string {
	return strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
}

func Test_Sync_Read_Op_Count(t *testing.T) {
	conn := simdev.New()
	// the 100 sector tail is not a whole block and is never touched
	conn.Add("d", simdev.Disk{Capacity: 2048 + 100})
	s := open(t, conn, "d", 7)

	var out bytes.Buffer
	res, err := bench.RunSync(context.Background(), s, true, cfgTo(&out))
	require.NoError(t, err)
	assert.EqualValues(t, 16, res.Ops)
	assert.EqualValues(t, 2048, res.Sectors)
	assert.Zero(t, res.Failed)

	st := conn.Stats("d")
	assert.EqualValues(t, 16, st.Reads)
	expected := make([]uint64, 16)
	for i := range expected {
		expected[i] = uint64(i) * c.DEFAULT_BLOCK_SIZE
	}
	assert.Equal(t, expected, st.Offsets)

	ls := lines(&out)
	require.Len(t, ls, 2)
	assert.Equal(t, "Disk[7] - Processing 16 buffers of 65536 bytes.", ls[0])
	m := finalLine.FindStringSubmatch(ls[1])
	require.NotNil(t, m, ls[1])
	assert.Equal(t, "7", m[1])
	assert.Equal(t, "Read", m[2])
	assert.Equal(t, "1", m[3])
}

func Test_Sync_Stat_Interval(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 4096})
	s := open(t, conn, "d", 0)

	var out bytes.Buffer
	cfg := cfgTo(&out)
	cfg.StatInterval = 1024
	_, err := bench.RunSync(context.Background(), s, false, cfg)
	require.NoError(t, err)

	ls := lines(&out)
	// processing, one line per 1024 sectors, total
	require.Len(t, ls, 1+4+1)
	for _, l := range ls[1:5] {
		m := finalLine.FindStringSubmatch(l)
		require.NotNil(t, m, l)
		assert.Equal(t, "Wrote", m[2])
		assert.Equal(t, "0", m[3])
	}
	m := finalLine.FindStringSubmatch(ls[5])
	require.NotNil(t, m)
	assert.Equal(t, "2", m[3])
}

func Test_Sync_Zero_Ops(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 100})
	s := open(t, conn, "d", 0)

	var out bytes.Buffer
	res, err := bench.RunSync(context.Background(), s, true, cfgTo(&out))
	require.NoError(t, err)
	assert.Zero(t, res.Ops)
	assert.Len(t, lines(&out), 2)
	assert.Zero(t, conn.Stats("d").Reads)
}

func Test_Sync_Write_Failure_Aborts(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 2048, FailIO: true, FailSector: 300})
	s := open(t, conn, "d", 0)

	var out bytes.Buffer
	res, err := bench.RunSync(context.Background(), s, false, cfgTo(&out))
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrIO)
	assert.Equal(t, device.CodeIO, device.CodeOf(err))
	assert.Contains(t, err.Error(), "sector 256")
	assert.EqualValues(t, 3, res.Ops)
	assert.EqualValues(t, 1, res.Failed)
	assert.EqualValues(t, 2, conn.Stats("d").Writes)
	// no final line for an aborted run
	assert.Len(t, lines(&out), 1)
}

func Test_Sync_Verify_Round_Trip(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 1024})
	s := open(t, conn, "d", 0)

	cfg := bench.DefaultConfig()
	cfg.Out = nil
	cfg.Verify = true
	cfg.BlockSize = 64

	w, err := bench.RunSync(context.Background(), s, false, cfg)
	require.NoError(t, err)
	r, err := bench.RunSync(context.Background(), s, true, cfg)
	require.NoError(t, err)
	assert.NotZero(t, w.Digest)
	assert.Equal(t, w.Digest, r.Digest)

	// async reads of the same data agree with the sync digest
	a, err := bench.RunAsync(context.Background(), s, true, cfg)
	require.NoError(t, err)
	assert.Equal(t, w.Digest, a.Digest)
}

func Test_Sync_Aligned_Device(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 2048, LogicalSectorSize: 0x1000, RequiresAlignment: true})
	s := open(t, conn, "d", 0)

	res, err := bench.RunSync(context.Background(), s, true, bench.Config{BlockSize: 128})
	require.NoError(t, err)
	assert.EqualValues(t, 16, res.Ops)

	res, err = bench.RunAsync(context.Background(), s, false, bench.Config{BlockSize: 128, AsyncPoolSize: 4})
	require.NoError(t, err)
	assert.EqualValues(t, 16, res.Completed)
}

func Test_Sync_Unaligned_Pool_Rejected(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 2048, LogicalSectorSize: 0x1000, RequiresAlignment: true})
	s := open(t, conn, "d", 0)

	// a heap buffer offset by one byte is never 4k aligned
	pool := offsetPool{bufpool.NewUnbounded(65536+1, bufpool.Unaligned{}, bufpool.NoSync{})}
	_, err := bench.Sync(context.Background(), s, pool, true, bench.Config{BlockSize: 128})
	assert.ErrorIs(t, err, device.ErrIO)
	assert.Equal(t, device.CodeInvalidArg, device.CodeOf(err))
}

type offsetPool struct {
	*bufpool.Unbounded
}

func (p offsetPool) Acquire() (bufpool.Buffer, error) {
	b, err := p.Unbounded.Acquire()
	if err != nil { return b, err }
	// keep the handle, hand out a misaligned view the device will reject
	b.Data = b.Data[1:]
	return b, nil
}

func (p offsetPool) Release(b bufpool.Buffer) error { return nil }

func Test_Sync_Config_Invalid(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 16})
	s := open(t, conn, "d", 0)

	_, err := bench.RunSync(context.Background(), s, true, bench.Config{})
	assert.ErrorIs(t, err, bench.ErrConfig)
	_, err = bench.RunAsync(context.Background(), s, true, bench.Config{BlockSize: 1, OpsPerSecond: -1})
	assert.ErrorIs(t, err, bench.ErrConfig)
}

func Test_Sync_Closed_Session(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 16})
	s := open(t, conn, "d", 0)
	require.NoError(t, s.Close())

	_, err := bench.RunSync(context.Background(), s, true, bench.Config{BlockSize: 1})
	assert.ErrorIs(t, err, bench.ErrSessionClosed)
}

func Test_Sync_Cancelled(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 2048})
	s := open(t, conn, "d", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := bench.Config{BlockSize: 128, OpsPerSecond: 10}
	res, err := bench.RunSync(ctx, s, true, cfg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Ops)

	res, err = bench.RunAsync(ctx, s, true, cfg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Ops)
}

func Test_Sync_Throttled(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 5 * 128, Sparse: true})
	s := open(t, conn, "d", 0)

	started := time.Now()
	res, err := bench.RunSync(context.Background(), s, true, bench.Config{BlockSize: 128, OpsPerSecond: 100})
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.Ops)
	// burst of 1, then one op every 10ms
	assert.GreaterOrEqual(t, time.Since(started), 35*time.Millisecond)
}

func Test_Async_Depth_Bounded(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 10 * 128, Latency: 5 * time.Millisecond})
	s := open(t, conn, "d", 2)

	var out bytes.Buffer
	cfg := cfgTo(&out)
	cfg.AsyncPoolSize = 4
	res, err := bench.RunAsync(context.Background(), s, false, cfg)
	require.NoError(t, err)

	assert.EqualValues(t, 10, res.Ops)
	assert.EqualValues(t, 10, res.Completed)
	assert.Zero(t, res.Failed)

	st := conn.Stats("d")
	assert.EqualValues(t, 10, st.AsyncSubmits)
	assert.EqualValues(t, 10, st.Completions)
	assert.EqualValues(t, 10, st.Writes)
	assert.Zero(t, st.Outstanding)
	assert.LessOrEqual(t, st.MaxOutstanding, int64(4))
	assert.Positive(t, st.MaxOutstanding)

	ls := lines(&out)
	require.Len(t, ls, 3)
	assert.Equal(t, "Disk[2] - Processing 10 buffers of 65536 bytes.", ls[0])
	assert.Equal(t, "Disk[2] - sent all data requests!", ls[1])
	m := finalLine.FindStringSubmatch(ls[2])
	require.NotNil(t, m, ls[2])
	assert.Equal(t, "Wrote", m[2])
}

func Test_Async_Completion_Error(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 10 * 128, FailIO: true, FailSector: 5 * 128})
	s := open(t, conn, "d", 0)

	res, err := bench.RunAsync(context.Background(), s, true, bench.Config{BlockSize: 128, AsyncPoolSize: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrIO)
	assert.Contains(t, err.Error(), "sector 640")
	assert.EqualValues(t, 10, res.Ops)
	// every submission completes exactly once, failed or not
	assert.EqualValues(t, 10, res.Completed)
	assert.EqualValues(t, 1, res.Failed)
}

func Test_Async_Submit_Failure(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 1024})
	h, err := conn.Open("d", 0)
	require.NoError(t, err)

	// a handle that refuses the third submission
	conn2 := &refusingConn{Handle: h, after: 2}
	s2, err := device.Open(conn2, "d", 0, 0)
	require.NoError(t, err)

	var out bytes.Buffer
	res, err := bench.RunAsync(context.Background(), s2, true, bench.Config{BlockSize: 128, AsyncPoolSize: 2, Out: &out})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit read of sector 256")
	assert.EqualValues(t, 2, res.Ops)
	assert.EqualValues(t, 2, res.Completed)
	assert.NotContains(t, out.String(), "sent all data requests!")
	require.NoError(t, s2.Close())
}

type refusingConn struct {
	device.Handle
	after int
	n     int
}

func (rc *refusingConn) Open(path string, flags device.Flags) (device.Handle, error) {
	return rc, nil
}

func (rc *refusingConn) ReadAsync(sector uint64, count uint64, buf []byte, done device.Completion) error {
	if rc.n == rc.after {
		return device.NewError(device.ErrIO, device.CodeNotSupported, nil)
	}
	rc.n++
	return rc.Handle.ReadAsync(sector, count, buf, done)
}

func Test_Async_Write_Read_Digest(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 2048, Latency: time.Millisecond})
	s := open(t, conn, "d", 0)

	cfg := bench.Config{BlockSize: 128, AsyncPoolSize: 4, Verify: true}
	w, err := bench.RunAsync(context.Background(), s, false, cfg)
	require.NoError(t, err)
	r, err := bench.RunSync(context.Background(), s, true, cfg)
	require.NoError(t, err)
	assert.Equal(t, w.Digest, r.Digest)
	assert.NotZero(t, r.Digest)
}

func Test_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := bench.NewMetrics(reg)

	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 2048, FailIO: true, FailSector: 2047})
	s := open(t, conn, "d", 0)

	cfg := bench.Config{BlockSize: 128, AsyncPoolSize: 4, Metrics: m}
	_, err := bench.RunSync(context.Background(), s, true, cfg)
	require.Error(t, err)
	_, err = bench.RunAsync(context.Background(), s, false, cfg)
	require.NoError(t, err)

	assert.Equal(t, 15.0, testutil.ToFloat64(m.Ops.WithLabelValues("read", "sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("read", "sync")))
	assert.Equal(t, 16.0, testutil.ToFloat64(m.Ops.WithLabelValues("write", "async")))
	assert.Equal(t, float64(16*65536), testutil.ToFloat64(m.Bytes.WithLabelValues("write", "async")))
	assert.Zero(t, testutil.ToFloat64(m.Inflight))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Throughput))
}

func Test_Fill_And_Describe(t *testing.T) {
	conn := simdev.New()
	conn.Add("d", simdev.Disk{Capacity: 64, AdapterType: "scsi"})
	s := open(t, conn, "d", 0)

	require.NoError(t, bench.Fill(s, 8, 4, 0xab))
	data := conn.Data("d")
	for i, b := range data {
		if i >= 8*c.SECTOR_SIZE && i < 12*c.SECTOR_SIZE {
			require.Equal(t, byte(0xab), b, "byte %d", i)
		} else {
			require.Zero(t, b, "byte %d", i)
		}
	}
	assert.Equal(t, []uint64{8, 9, 10, 11}, conn.Stats("d").Offsets)

	err := bench.Fill(s, 60, 5, 1)
	assert.Equal(t, device.CodeRange, device.CodeOf(err))

	var out bytes.Buffer
	bench.Describe(s, &out)
	assert.Contains(t, out.String(), "capacity             = 64 sectors")
	assert.Contains(t, out.String(), "logical sector size  = 512 bytes")
	assert.Contains(t, out.String(), "adapter type         = scsi")
	assert.Contains(t, out.String(), "transport mode       = file")
	assert.NotContains(t, out.String(), "alignment")
}
