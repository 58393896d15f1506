// SPDX-License-Identifier: Apache-2.0

// Package bus is the in-process publish/subscribe channel between the
// gateway and live observers. It is constructed once at startup and passed
// by reference; there is no global instance.
package bus

import (
	"sync"
	"time"
)

// Event mirrors a ledger timeline event for live consumption.
type Event struct {
	RunID     string    `json:"run_id"`
	Type      string    `json:"event"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans events out to any number of subscribers. Publish never blocks and
// never fails, including with zero subscribers attached. Events published
// before a subscriber attaches are not replayed to it.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
	}
}

// Publish delivers ev to every active subscription. Each subscription owns
// an unbounded queue, so a slow consumer delays only itself.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.push(ev)
	}
}

// Subscribe registers a new independent consumer. The caller must Close the
// subscription when done or its queue goroutine leaks.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:  b,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Event),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscription is one consumer's handle onto the bus.
type Subscription struct {
	bus       *Bus
	closeOnce sync.Once

	mu    sync.Mutex
	queue []Event

	wake chan struct{}
	done chan struct{}
	out  chan Event
}

// C returns the channel events are delivered on. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Close detaches the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued events onto the out channel in publish order.
func (s *Subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
