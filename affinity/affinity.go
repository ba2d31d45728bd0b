// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific
// implementations live in build-tag guarded files.

package affinity

// SetAffinity pins the current OS thread to a given logical CPU on
// supported platforms. The caller must have locked the goroutine to its
// thread first.
func SetAffinity(cpuID int) error {
	return setAffinityPlatform(cpuID)
}

// ParseCPUSet parses a cpuset mask of the form "0-3,8,10-11" into the
// list of CPU ids, in order.
func ParseCPUSet(mask string) ([]int, error) {
	return parseCPUSet(mask)
}
