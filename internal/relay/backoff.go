package relay

import (
	"math"
	"time"
)

// backoff shapes retry delays for transient failures.
type backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

var acceptBackoff = backoff{
	Initial:    5 * time.Millisecond,
	Max:        time.Second,
	Multiplier: 2,
}

// delay returns the wait before retry attempt N (1-based).
func (b backoff) delay(attempt int) time.Duration {
	if attempt <= 1 || b.Initial <= 0 {
		return max(b.Initial, 0)
	}
	mult := max(b.Multiplier, 1.0)
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}
