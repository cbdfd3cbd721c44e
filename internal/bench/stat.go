package bench

import (
	"fmt"
	"io"
	"time"

	c "diskbench/internal"
)

func prefix(id int) string {
	return fmt.Sprintf("Disk[%d] - ", id)
}

// throughput in whole MBytes/sec, elapsed is floored to 1ms
func throughput(sectors uint64, elapsed time.Duration) (ms uint64, speed uint64) {
	ms = uint64(elapsed.Milliseconds())
	if ms == 0 { ms = 1 }
	speed = (1000 * c.SECTOR_SIZE * sectors) / (1024 * 1024 * ms)
	return ms, speed
}

func printStat(w io.Writer, id int, read bool, sectors uint64, elapsed time.Duration) uint64 {
	verb := "Wrote"
	if read { verb = "Read" }
	ms, speed := throughput(sectors, elapsed)
	fmt.Fprintf(w, "%s%s %d MBytes in %d msec (%d MBytes/sec)\n",
		prefix(id), verb, sectors/c.SECTORS_PER_MB, ms, speed)
	return speed
}

func printProcessing(w io.Writer, id int, ops uint64, bufSize uint64) {
	fmt.Fprintf(w, "%sProcessing %d buffers of %d bytes.\n", prefix(id), ops, bufSize)
}

func opName(read bool) string {
	if read { return "read" }
	return "write"
}
