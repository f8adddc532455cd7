// Package eventbus carries small in-process signals between components
// that must not know about each other: the scheduler publishes run
// outcomes, the notifier publishes delivery outcomes, and anything
// holding a subscription sees them.
package eventbus

import (
	"sync"
	"time"
)

// Event is one bus signal. Data stays small and is shared by reference,
// so subscribers treat it as read-only.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to every live subscription. Publish never blocks;
// a subscriber that stops draining its channel loses events instead of
// stalling the publisher.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory bus. It runs no goroutines of its own.
func New() Bus {
	return &fanout{subs: make(map[chan Event]struct{})}
}

// fanout keys its subscriber set by the channel itself; channel values
// are comparable, which spares a separate id counter.
type fanout struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Unsubscribe closes channels under the write lock, so no channel
	// can close while a send is in flight here.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// subscriber is behind; drop
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, live := b.subs[ch]; live {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, unsub
}
