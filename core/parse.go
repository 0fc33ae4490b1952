package core

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseCPU converts a CPU quantity string to cores. Accepted forms:
// "N" (whole or fractional cores) and "Nm" (millicores, N/1000).
func ParseCPU(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty cpu quantity: %w", ErrQuotaInvalid)
	}
	if strings.HasSuffix(s, "m") {
		milli, err := strconv.ParseInt(strings.TrimSuffix(s, "m"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad millicore quantity %q: %w", s, ErrQuotaInvalid)
		}
		return float64(milli) / 1000.0, nil
	}
	cores, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad cpu quantity %q: %w", s, ErrQuotaInvalid)
	}
	return cores, nil
}

// ParseMemory converts a memory quantity string to MiB. Binary suffixes
// Gi/Mi scale by 1024/1; decimal suffixes G/M scale by 1000/1. A bare
// number is taken as MiB.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty memory quantity: %w", ErrQuotaInvalid)
	}
	type suffix struct {
		unit  string
		scale int64
	}
	// Order matters: Gi before G, Mi before M.
	for _, sf := range []suffix{{"Gi", 1024}, {"Mi", 1}, {"G", 1000}, {"M", 1}} {
		if strings.HasSuffix(s, sf.unit) {
			n, err := strconv.ParseInt(strings.TrimSuffix(s, sf.unit), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("bad memory quantity %q: %w", s, ErrQuotaInvalid)
			}
			return n * sf.scale, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad memory quantity %q: %w", s, ErrQuotaInvalid)
	}
	return n, nil
}
