//go:build !linux

package imgcache

import "runtime"

// residentBytes approximates RSS with the memory the Go runtime obtained
// from the OS.
func residentBytes() (uint64, bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys, true
}
