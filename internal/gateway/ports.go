package gateway

import (
	"strconv"
	"strings"
)

const (
	defaultPortSpan = 10
	maxPortSpan     = 250
)

// CandidatePorts expands the configured base port into the ordered list of
// ports the gateway will try to bind, per §8: an explicit "lo-hi" range
// wins over base+span; span is clamped to [0, 250]; an inverted range is
// normalized (lo, hi swapped).
func CandidatePorts(base int, span int, rangeSpec string) []int {
	if lo, hi, ok := parseRange(rangeSpec); ok {
		if lo > hi {
			lo, hi = hi, lo
		}
		ports := make([]int, 0, hi-lo+1)
		for p := lo; p <= hi; p++ {
			ports = append(ports, p)
		}
		return ports
	}

	if span < 0 {
		span = 0
	}
	if span > maxPortSpan {
		span = maxPortSpan
	}
	ports := make([]int, 0, span+1)
	for p := base; p <= base+span; p++ {
		ports = append(ports, p)
	}
	return ports
}

func parseRange(spec string) (lo, hi int, ok bool) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, 0, false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	lo, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	hi, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lo, hi, true
}
