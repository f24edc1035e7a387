package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses one of the config file's Go-duration-string
// fields (throttle.min_poll_interval, tracking.flush_interval,
// push_dedup.retention, transport.timeout, storage.busy_timeout). An empty
// field returns 0 so callers can tell "omitted" apart from a value.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// omitted or zero field. Fields where zero is meaningful on its own (the
// throttle's time gate) parse with ParseDurationField directly.
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
