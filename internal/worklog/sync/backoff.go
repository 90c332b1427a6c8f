package sync

import (
	"time"

	"github.com/studiovibi/worklogs/internal/worklog/remote"
)

// maxBackoffExponent caps the doubling so the shift never overflows.
const maxBackoffExponent = 16

// Backoff returns how long an entry waits before its nextRetries-th attempt:
// min(max, 2^min(nextRetries,16) * base), raised to the delay the remote
// suggested when err is a throttling error.
func Backoff(nextRetries int, err error, base, max time.Duration, now time.Time) time.Duration {
	if nextRetries < 0 {
		nextRetries = 0
	}
	if nextRetries > maxBackoffExponent {
		nextRetries = maxBackoffExponent
	}

	d := base * time.Duration(int64(1)<<nextRetries)
	if d > max || d < 0 {
		d = max
	}
	if suggested := remote.SuggestedDelay(err, now); suggested > d {
		d = suggested
	}
	return d
}
