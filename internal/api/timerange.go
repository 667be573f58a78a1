package api

import (
	"fmt"
	"strconv"
	"time"
	"unicode"
)

const maxTimeRange = 365 * 24 * time.Hour

// parseTimeRange accepts the dashboard's compact range syntax: an
// integer followed by a unit, e.g. "30m", "1h", "24h", "7d", "1w".
// Ranges must be positive and at most one year.
func parseTimeRange(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("time_range is required")
	}

	i := 0
	for i < len(s) && unicode.IsDigit(rune(s[i])) {
		i++
	}
	if i == 0 || i == len(s) {
		return 0, fmt.Errorf("time_range %q must be <number><unit>, e.g. 24h", s)
	}

	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, fmt.Errorf("time_range %q has an invalid number", s)
	}

	var unit time.Duration
	switch s[i:] {
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("time_range unit %q must be one of m, h, d, w", s[i:])
	}

	d := time.Duration(n) * unit
	if d <= 0 {
		return 0, fmt.Errorf("time_range must be positive")
	}
	if d > maxTimeRange {
		return 0, fmt.Errorf("time_range must not exceed one year")
	}
	return d, nil
}
