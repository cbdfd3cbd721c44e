// Constants
package internal

// Addressable unit for every device. Offsets and lengths handed to a device
// handle are counted in these, independent of the device's logical sector size.
const SECTOR_SIZE = 0x200

// Default buffer size (in sectors) for read/write benchmarks
const DEFAULT_BLOCK_SIZE = 0x80

// Print updated statistics for read/write benchmarks roughly every
// STAT_SECTORS sectors (64MiB worth of data)
const STAT_SECTORS = 128 * 1024

// Fixed capacity of the async benchmark buffer pool: caps the number of
// outstanding async operations per device.
const AIO_POOL_SIZE = 0x100

const LEN_U32 = 0x04
const LEN_U64 = 0x08

func SectorsToBytes(sectors uint64) uint64 {
	return sectors * SECTOR_SIZE
}

// Sectors per MiB
const SECTORS_PER_MB = (1024 * 1024) / SECTOR_SIZE
