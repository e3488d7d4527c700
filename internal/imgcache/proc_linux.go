//go:build linux

package imgcache

import (
	"fmt"
	"os"
)

// residentBytes reads the resident page count from /proc/self/statm
// (second field, in pages).
func residentBytes() (uint64, bool) {
	raw, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	var size, resident uint64
	if _, err := fmt.Sscan(string(raw), &size, &resident); err != nil {
		return 0, false
	}
	return resident * uint64(os.Getpagesize()), true
}
