package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that accepts the engine's duration grammar in
// JSON: a plain positive integer is milliseconds, a string is
// "<int>(ms|s|m|h|d)". Zero or negative durations are invalid.
type Duration time.Duration

// ParseDuration parses the duration grammar from a dynamic value.
func ParseDuration(v interface{}) (time.Duration, error) {
	switch raw := v.(type) {
	case string:
		return parseDurationString(raw)
	case time.Duration:
		if raw <= 0 {
			return 0, fmt.Errorf("duration must be positive, got %v", raw)
		}
		return raw, nil
	default:
		ms, ok := AsNumber(v)
		if !ok {
			return 0, fmt.Errorf("invalid duration %v (want ms integer or \"<int>(ms|s|m|h|d)\")", v)
		}
		if ms <= 0 {
			return 0, fmt.Errorf("duration must be positive, got %v", v)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
}

func parseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	unit := time.Millisecond
	digits := s
	switch {
	case strings.HasSuffix(s, "ms"):
		digits = s[:len(s)-2]
	case strings.HasSuffix(s, "s"):
		unit = time.Second
		digits = s[:len(s)-1]
	case strings.HasSuffix(s, "m"):
		unit = time.Minute
		digits = s[:len(s)-1]
	case strings.HasSuffix(s, "h"):
		unit = time.Hour
		digits = s[:len(s)-1]
	case strings.HasSuffix(s, "d"):
		unit = 24 * time.Hour
		digits = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return time.Duration(n) * unit, nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON renders the duration as integer milliseconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Milliseconds())
}

// UnmarshalJSON accepts the duration grammar.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
