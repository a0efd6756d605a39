package supervisor

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes reconnect delays: Base doubled per attempt, capped at Max,
// then spread by ±Jitter (a fraction, 0.2 = ±20%).
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:   time.Second,
		Max:    30 * time.Second,
		Jitter: 0.2,
	}
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}

	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}

	if b.Jitter <= 0 {
		return d
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := 1 + b.Jitter*(2*r()-1)
	return time.Duration(float64(d) * factor)
}
