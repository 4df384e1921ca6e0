package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxDays caps the day prefix so day counts cannot overflow a Duration.
const maxDays = 36500

// ParseDurationField parses a non-negative duration. Besides Go syntax
// ("90s", "1h30m") it takes a leading day count, as in "7d" or "1d12h",
// since cooldowns and subscription lengths are usually given in days.
// Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDays(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func parseDays(s string) (time.Duration, error) {
	i := strings.IndexByte(s, 'd')
	if i <= 0 {
		return time.ParseDuration(s)
	}
	days, err := strconv.ParseUint(s[:i], 10, 32)
	if err != nil {
		// Not a plain day count; let the standard parser report it.
		return time.ParseDuration(s)
	}
	if days > maxDays {
		return 0, fmt.Errorf("more than %d days", maxDays)
	}
	d := time.Duration(days) * 24 * time.Hour
	rest := s[i+1:]
	if rest == "" {
		return d, nil
	}
	r, err := time.ParseDuration(rest)
	if err != nil {
		return 0, err
	}
	if r < 0 {
		return 0, fmt.Errorf("negative part after the day count")
	}
	return d + r, nil
}
