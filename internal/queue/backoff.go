package queue

import "time"

// Policy computes retry delays: min(cap, base * 2^attempt).
// Reads and writes carry different ceilings, so the two live as separate
// policies on the manager.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the pause before the given attempt number (0-based:
// attempt 0 is the delay after the first failure).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}
