// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resources

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMemory parses a size such as "512M", "2G", or "1073741824".
// Suffixes K, M, G, T are binary multiples. An empty string or
// "infinity" returns 0, meaning unlimited.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "infinity" {
		return 0, nil
	}

	var multiplier int64 = 1
	number := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
		number = s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
		number = s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
		number = s[:len(s)-1]
	case strings.HasSuffix(s, "T"):
		multiplier = 1 << 40
		number = s[:len(s)-1]
	}

	value, err := strconv.ParseInt(number, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid memory size %q", s)
	}
	if value > (1<<63-1)/multiplier {
		return 0, fmt.Errorf("memory size %q overflows", s)
	}
	return value * multiplier, nil
}

// ParseCPUList parses a cpuset-style list ("0-3,8,10-11") into sorted,
// de-duplicated unit indices. The same syntax names GPU indices.
func ParseCPUList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty unit list")
	}

	var units []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		low, high, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(low)
		if err != nil || first < 0 {
			return nil, fmt.Errorf("invalid unit %q in %q", part, s)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(high)
			if err != nil || last < first {
				return nil, fmt.Errorf("invalid range %q in %q", part, s)
			}
		}
		for unit := first; unit <= last; unit++ {
			units = append(units, unit)
		}
	}
	return normalize(units), nil
}

// FormatCPUList renders units the way Docker's cpuset fields expect:
// comma separated, no ranges.
func FormatCPUList(units []int) string {
	parts := make([]string, len(units))
	for i, unit := range units {
		parts[i] = strconv.Itoa(unit)
	}
	return strings.Join(parts, ",")
}
