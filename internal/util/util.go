package util

import (
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	c "diskbench/internal"
)

// splitmix64
func Hash(val uint64) uint64 {
	x := val
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x =  x ^ (x >> 31)
	return x
}

// FillRandom fills buf with pseudo-random data, to defeat any attempt by the storage
// underneath to compress it.
func FillRandom(buf []byte) {
	FillRandomSeed(buf, uint64(time.Now().UnixNano())^Hash(fills.Add(1)))
}

// back to back fills must not share a seed even on a coarse clock
var fills atomic.Uint64

// small buffers aren't worth fanning out
const fillParallelMin = 0x100000

func FillRandomSeed(buf []byte, seed uint64) {
	if len(buf) < fillParallelMin {
		fillChunk(buf, seed, 0)
		return
	}

	numCPUs := runtime.NumCPU()
	chunkSize := (len(buf) / c.LEN_U64 / numCPUs) * c.LEN_U64
	var wg sync.WaitGroup

	for i := range numCPUs {
		start := i * chunkSize
		end := start + chunkSize
		if i == numCPUs-1 {
			end = len(buf)
		}

		wg.Add(1)
		go func(sub []byte, stream uint64) {
			defer wg.Done()
			fillChunk(sub, seed, stream)
		}(buf[start:end], uint64(i))
	}
	wg.Wait()
}

func fillChunk(buf []byte, seed uint64, stream uint64) {
	r := rand.New(rand.NewPCG(Hash(seed), Hash(stream+1)))
	words := len(buf) / c.LEN_U64
	if words > 0 {
		data := unsafe.Slice((*uint64)(unsafe.Pointer(&buf[0])), words)
		for j := range data {
			data[j] = r.Uint64()
		}
	}
	for j := words * c.LEN_U64; j < len(buf); j++ {
		buf[j] = byte(r.Uint32())
	}
}
