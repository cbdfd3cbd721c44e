package bench

import (
	"encoding/binary"

	c "diskbench/internal"

	"github.com/cespare/xxhash"
)

// digest keeps one hash per block so sync and async runs over the same data agree
// no matter in which order blocks complete.
type digest struct {
	sums []uint64
}

func newDigest(verify bool, ops uint64) *digest {
	if !verify { return nil }
	return &digest{sums: make([]uint64, ops)}
}

// distinct ops write distinct slots, no locking needed
func (d *digest) add(op uint64, data []byte) {
	if d == nil { return }
	d.sums[op] = xxhash.Sum64(data)
}

func (d *digest) sum() uint64 {
	if d == nil { return 0 }
	raw := make([]byte, len(d.sums)*c.LEN_U64)
	for i, s := range d.sums {
		binary.LittleEndian.PutUint64(raw[i*c.LEN_U64:], s)
	}
	return xxhash.Sum64(raw)
}
