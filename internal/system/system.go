// Platform abstracted memory and device ops
package system

import "os"

// PageSize is the granularity anonymous mappings are aligned to.
func PageSize() int {
	return os.Getpagesize()
}

func IsPow2(v int) bool {
	return v > 0 && v&(v-1) == 0
}
