// SPDX-License-Identifier: MIT

package linker

import (
	"errors"
	"sync"
	"time"
)

// clock abstracts time for breaker tests.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

var errBreakerOpen = errors.New("linker breaker is open")

const (
	stateClosed   = "closed"
	stateOpen     = "open"
	stateHalfOpen = "half-open"
)

// breaker keeps a flapping linker endpoint from adding its timeout to
// every inspect call. It opens after threshold consecutive failures,
// stays open for cooldown, then allows a single half-open trial.
type breaker struct {
	mu       sync.Mutex
	failures int

	threshold int
	cooldown  time.Duration

	state    string
	openedAt time.Time
	clock    clock
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     stateClosed,
		clock:     realClock{},
	}
}

// call runs fn unless the breaker is open.
func (b *breaker) call(fn func() error) error {
	b.mu.Lock()
	if b.state == stateOpen {
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return errBreakerOpen
		}
		b.state = stateHalfOpen
	}
	b.mu.Unlock()

	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = b.clock.Now()
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = stateClosed
}

func (b *breaker) currentState() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
