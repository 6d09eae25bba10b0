package request

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff waits base, base+step, base+2*step, ... between attempts.
// A one-off extra pause can be queued for the next wait (cold start).
type linearBackOff struct {
	base    time.Duration
	step    time.Duration
	current time.Duration
	extra   time.Duration
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func newLinearBackOff(base, step time.Duration) *linearBackOff {
	return &linearBackOff{base: base, step: step, current: base}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	next := b.current + b.extra
	b.current += b.step
	b.extra = 0
	return next
}

func (b *linearBackOff) Reset() {
	b.current = b.base
	b.extra = 0
}

// extend adds d to the next wait only.
func (b *linearBackOff) extend(d time.Duration) {
	b.extra += d
}
