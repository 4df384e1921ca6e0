package subscription

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxDuration caps parsed values well below the int64 nanosecond range.
const maxDuration = 100 * 365 * 24 * time.Hour

var unitDurations = map[byte]time.Duration{
	'd': 24 * time.Hour,
	'h': time.Hour,
	'm': time.Minute,
	's': time.Second,
}

// ParseDuration accepts "<n>d", "<n>h", "<n>m", "<n>s", a bare number of
// seconds, or any time.ParseDuration string. The result must be positive.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrBadDuration)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return scaled(n, time.Second, s)
	}
	if unit, ok := unitDurations[s[len(s)-1]]; ok {
		if n, err := strconv.ParseInt(s[:len(s)-1], 10, 64); err == nil {
			return scaled(n, unit, s)
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q (use 1d, 12h, 30m, 60s)", ErrBadDuration, s)
	}
	if d > maxDuration {
		return 0, fmt.Errorf("%w: %q is longer than 100 years", ErrBadDuration, s)
	}
	return positive(d, s)
}

// scaled multiplies n by unit, refusing values past maxDuration instead of
// letting the product wrap.
func scaled(n int64, unit time.Duration, raw string) (time.Duration, error) {
	if n > int64(maxDuration/unit) {
		return 0, fmt.Errorf("%w: %q is longer than 100 years", ErrBadDuration, raw)
	}
	return positive(time.Duration(n)*unit, raw)
}

func positive(d time.Duration, raw string) (time.Duration, error) {
	if d <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive", ErrBadDuration, raw)
	}
	return d, nil
}
