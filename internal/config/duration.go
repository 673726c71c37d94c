package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationOrDefault parses a config duration. It accepts Go duration
// strings ("500ms", "30m") and bare integers, which count seconds. Empty
// or zero yields def; negative values are rejected. path is the dotted
// config key used in error messages.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}

	var d time.Duration
	if n, err := strconv.Atoi(s); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q (use e.g. \"500ms\", \"30m\" or seconds)", path, raw)
	}

	switch {
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	case d == 0:
		return def, nil
	}
	return d, nil
}
