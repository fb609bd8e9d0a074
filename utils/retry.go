// utils/retry.go
package utils

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Backoff bounds the waits between tries of a write that lost a lock race.
type Backoff struct {
	Attempts int // total tries, the first included
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff is used for all progress-store writes.
var DefaultBackoff = Backoff{Attempts: 4, Base: 50 * time.Millisecond, Max: 500 * time.Millisecond}

// Lock and serialization failures from SQLite (tests, local dev) and PostgreSQL.
var contentionMarkers = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"database is locked",
	"database table is locked",
	"SQLSTATE 40001", // serialization_failure
	"SQLSTATE 40P01", // deadlock_detected
	"deadlock detected",
	"could not serialize access",
}

// IsContentionErr reports whether err may succeed when tried again.
func IsContentionErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range contentionMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Delay is the wait after failed try n (0-based): Base doubled per try,
// capped at Max, plus up to Base/2 of jitter.
func (b Backoff) Delay(n int) time.Duration {
	d := b.Base << uint(n)
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	if half := int64(b.Base / 2); half > 0 {
		d += time.Duration(rand.Int63n(half))
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-contention error, runs out
// of attempts, or ctx is done while waiting.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	for n := 0; ; n++ {
		err := fn()
		if err == nil || !IsContentionErr(err) || n+1 >= b.Attempts {
			return err
		}

		timer := time.NewTimer(b.Delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last attempt: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// RetryOnContention is DefaultBackoff.Do.
func RetryOnContention(ctx context.Context, fn func() error) error {
	return DefaultBackoff.Do(ctx, fn)
}
