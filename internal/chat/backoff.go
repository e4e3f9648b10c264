package chat

import (
	"math/rand/v2"
	"time"
)

// Policy decides whether and when a dropped session is redialed.
type Policy struct {
	MaxAttempts int           // retries allowed since the last successful open
	BaseDelay   time.Duration // first delay
	MaxDelay    time.Duration // cap for exponential growth
	Jitter      float64       // up to this fraction of the delay is added at random
	Fixed       bool          // always wait BaseDelay (legacy constant-interval behaviour)
}

// DefaultPolicy retries three times, starting at 3s and doubling up to 30s with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   3 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// FixedPolicy waits the same delay before each of maxAttempts retries.
func FixedPolicy(maxAttempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: delay, MaxDelay: delay, Fixed: true}
}

// Exhausted reports whether attempt (0-based count of retries already used) may not be retried.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	if p.Fixed {
		return base
	}
	limit := p.MaxDelay
	if limit < base {
		limit = base
	}

	d := base
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}
