package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// reDays matches a leading whole-day component, as in "13d4h17m".
var reDays = regexp.MustCompile(`^(\d+)d(.*)$`)

// parseDuration extends time.ParseDuration with a leading day unit and
// ignores inner spaces, so a span can be written the way it is displayed
// ("13d 4h 17m").
func parseDuration(raw string) (time.Duration, error) {
	s := strings.Join(strings.Fields(raw), "")
	m := reDays.FindStringSubmatch(s)
	if m == nil {
		return time.ParseDuration(s)
	}
	days, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, err
	}
	d := time.Duration(days) * 24 * time.Hour
	if m[2] == "" {
		return d, nil
	}
	rest, err := time.ParseDuration(m[2])
	if err != nil {
		return 0, err
	}
	if rest < 0 {
		return 0, fmt.Errorf("negative component after days in %q", raw)
	}
	return d + rest, nil
}

// ParseDurationField parses an optional, non-negative duration. Empty is 0.
// Days are accepted as a leading "Nd" component.
func ParseDurationField(path, raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := parseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for 0.
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
