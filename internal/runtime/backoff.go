package runtime

import "time"

// backoff computes retry delays within one cycle: the base doubles per attempt,
// jitter adds up to Jitter×delay on top, and the result is capped. Each delay is
// at least the previous one so jitter never shortens a wait.
type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64
	rand   func() float64
	prev   time.Duration
}

func newBackoff(p Policy, rand func() float64) *backoff {
	return &backoff{base: p.BaseDelay, max: p.MaxDelay, jitter: p.Jitter, rand: rand}
}

// next returns the delay after the given failed attempt (1-based).
func (b *backoff) next(attempt int) time.Duration {
	d := b.base
	for i := 1; i < attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	if b.jitter > 0 && b.rand != nil {
		d += time.Duration(float64(d) * b.jitter * b.rand())
		if d > b.max {
			d = b.max
		}
	}
	if d < b.prev {
		d = b.prev
	}
	b.prev = d
	return d
}
