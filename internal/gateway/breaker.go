// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync"
	"time"
)

// Five consecutive failures open the breaker for thirty seconds. There is no
// half-open probing: the cooldown simply expires and traffic flows again.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// Breaker is the consecutive-failure circuit breaker shared by every
// in-flight request. Critical sections are a counter bump or a clock check.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
	now       func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Open reports whether the breaker is refusing traffic right now.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.openUntil)
}

// RecordFailure counts one upstream failure and reports whether this one
// tripped the breaker. The counter resets when the breaker trips.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures < b.threshold {
		return false
	}
	b.failures = 0
	b.openUntil = b.now().Add(b.cooldown)
	return true
}

// RecordSuccess resets the consecutive-failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}
