package syncqueue

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff computes how long a failed record must wait before it becomes
// eligible for another transfer attempt.
type Backoff struct {
	base time.Duration
	cap  time.Duration
}

func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = 30 * time.Second
	}
	if cap <= 0 {
		cap = 15 * time.Minute
	}
	return &Backoff{base: base, cap: cap}
}

// DelayFor returns the cool-down after the given number of failed attempts.
// Zero attempts means the record is immediately eligible.
func (b *Backoff) DelayFor(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	bo := retry.WithCappedDuration(b.cap, retry.NewExponential(b.base))
	var d time.Duration
	for i := 0; i < attempts; i++ {
		next, stop := bo.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// Eligible reports whether a record that last failed at the given time has
// served its cool-down.
func (b *Backoff) Eligible(attempts int, updatedAt time.Time, now time.Time) bool {
	return now.Sub(updatedAt) >= b.DelayFor(attempts)
}
