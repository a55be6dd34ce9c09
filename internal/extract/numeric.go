package extract

import (
	"strconv"
	"strings"
)

// unit suffixes seen in scraped counters, mapped to multipliers.
var unitSuffixes = []struct {
	suffix     string
	multiplier float64
}{
	{"亿", 100_000_000},
	{"万", 10_000},
	{"w", 10_000},
	{"W", 10_000},
	{"k", 1_000},
	{"K", 1_000},
}

// ParseCount leniently coerces a scraped counter string to an integer.
// It tolerates surrounding text whitespace, thousands separators and unit
// suffixes ("12,345", "2.3万", "18w", "5k"). The second return value is
// false when the field cannot be coerced; callers decide whether that
// means "missing" or "drop the entry".
func ParseCount(raw string) (int64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "，", "")

	multiplier := 1.0
	for _, u := range unitSuffixes {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.multiplier
			s = strings.TrimSuffix(s, u.suffix)
			s = strings.TrimSpace(s)
			break
		}
	}
	if s == "" {
		return 0, false
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value < 0 {
		return 0, false
	}
	return int64(value * multiplier), true
}

// ParseDelta coerces a position delta like "+2", "-3" or "--" (no change).
func ParseDelta(raw string) (int, bool) {
	s := strings.TrimSpace(raw)
	switch s {
	case "", "-", "--", "—":
		return 0, true
	}
	s = strings.TrimPrefix(s, "+")
	value, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return value, true
}
