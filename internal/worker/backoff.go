package worker

import "time"

// Backoff computes retry delays: Base * 2^attempt scaled by a uniform jitter
// factor in [1-Jitter, 1+Jitter]. Max bounds the jittered value.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 5 * time.Minute, Jitter: 0.2}
}

// Delay returns the wait after the zero-based failed attempt. rnd must be in [0, 1).
func (b Backoff) Delay(attempt int, rnd float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	d = time.Duration(float64(d) * (1 + b.Jitter*(2*rnd-1)))
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
