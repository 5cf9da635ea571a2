package retry

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: exponential in the attempt number with full
// jitter, capped at Max. Jitter spreads redeliveries of jobs that failed
// together so they do not hammer a recovering dependency in lockstep.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d))) + 1
}
