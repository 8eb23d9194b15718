// Package backoff computes retry delays for transiently-failed tasks.
//
// The schedule is capped exponential with jitter: the k-th retry waits
// min(base·2^(k-1), cap), scaled by a random factor in [1-jitter, 1+jitter].
// Jitter keeps a burst of same-batch failures from re-arriving in lockstep.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy holds the retry-delay parameters. The zero value is not usable;
// construct via Default or from configuration.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction in [0, 1); 0.2 means ±20%
}

// Default returns the production policy: 5 min base, 1 h cap, ±20% jitter.
func Default() Policy {
	return Policy{Base: 5 * time.Minute, Cap: time.Hour, Jitter: 0.2}
}

// Delay returns the wait before the retry-th attempt re-runs. retry counts
// from 1 (the first retry). Values below 1 are treated as 1.
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := p.Base
	// Shift with an overflow guard; 2^62 ns already exceeds any sane cap.
	for i := 1; i < retry && d < p.Cap; i++ {
		d *= 2
	}
	if d > p.Cap {
		d = p.Cap
	}
	if p.Jitter > 0 {
		span := 1 + p.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * span)
	}
	return d
}
