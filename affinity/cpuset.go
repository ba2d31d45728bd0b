// File: affinity/cpuset.go
// Author: momentics <momentics@gmail.com>
//
// cpuset mask parsing shared by all platforms.

package affinity

import (
	"fmt"
	"strconv"
	"strings"
)

func parseCPUSet(mask string) ([]int, error) {
	var cpus []int
	for _, part := range strings.Split(mask, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			a, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("affinity: bad cpuset range %q", part)
			}
			b, err := strconv.Atoi(hi)
			if err != nil || b < a {
				return nil, fmt.Errorf("affinity: bad cpuset range %q", part)
			}
			for c := a; c <= b; c++ {
				cpus = append(cpus, c)
			}
			continue
		}
		c, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("affinity: bad cpuset entry %q", part)
		}
		cpus = append(cpus, c)
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("affinity: empty cpuset %q", mask)
	}
	return cpus, nil
}
