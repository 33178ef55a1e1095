package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Limit is a parsed per-email rate limit: at most Count authentications per
// fixed Window.
type Limit struct {
	Count  int
	Window time.Duration
}

// ParseLimit parses a limit string of the form "<count>/min".
func ParseLimit(s string) (Limit, error) {
	count, unit, found := strings.Cut(strings.TrimSpace(s), "/")
	if !found {
		return Limit{}, fmt.Errorf("limit %q is not of the form <count>/<window>", s)
	}

	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n <= 0 {
		return Limit{}, fmt.Errorf("limit count %q is not a positive integer", count)
	}

	switch strings.TrimSpace(unit) {
	case "min":
		return Limit{Count: n, Window: time.Minute}, nil
	default:
		return Limit{}, fmt.Errorf("unsupported limit window %q, only \"min\" is supported", unit)
	}
}
