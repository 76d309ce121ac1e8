package queue

import (
	"math"
	"time"
)

// Backoff doubles the requeue delay on every retry, capped so a long retry
// chain never parks a message for more than Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the given retry attempt. Attempts are
// 1-indexed: the first retry waits Base, the second 2*Base, and so on.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(b.Base) * math.Pow(2, float64(attempt-1)))
	if b.Cap > 0 && (d > b.Cap || d <= 0) {
		return b.Cap
	}
	return d
}
