package client

import (
	"sync"
	"time"
)

// Backoff yields growing reconnect delays capped at Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64

	mu      sync.Mutex
	current time.Duration
}

// NewBackoff returns a backoff starting at base and multiplying by factor up
// to maxDelay.
func NewBackoff(base, maxDelay time.Duration, factor float64) *Backoff {
	if factor < 1 {
		factor = 1
	}
	return &Backoff{Base: base, Max: maxDelay, Factor: factor}
}

// DefaultBackoff waits 1s after the first failure and at most 5s after any
// later one.
func DefaultBackoff() *Backoff {
	return NewBackoff(time.Second, 5*time.Second, 2)
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == 0 {
		b.current = b.Base
	} else {
		b.current = time.Duration(float64(b.current) * b.Factor)
	}
	if b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

// Reset starts the sequence over. Call after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = 0
	b.mu.Unlock()
}
