package reliability

import (
	"strings"
	"time"
)

// IsTransientResolveFailure classifies streamlink resolve errors that are
// worth one retry: network hiccups and upstream throttling, as opposed to
// an offline channel or a bad URL.
func IsTransientResolveFailure(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{
		"timed out",
		"timeout",
		"temporarily unavailable",
		"connection reset",
		"connection refused",
		"502", "503", "504",
		"failed to reload playlist",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// IsCleanExit reports whether a capture subprocess exit code indicates a
// normal shutdown. Code -1 covers signal-terminated processes, which the
// supervisor treats as clean only when it sent the signal itself.
func IsCleanExit(code int) bool {
	return code == 0
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
