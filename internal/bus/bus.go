// Package bus is the in-process event channel between the poller and
// observers such as the daemon status monitor.
package bus

import (
	"strings"
	"sync"
)

// Bus fans events out to prefix-filtered subscribers. Delivery is
// non-blocking: a subscriber that falls behind loses events rather than
// stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches
// evt.Kind. Subscribers with full buffers are skipped.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !strings.HasPrefix(evt.Kind, s.prefix) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
		}
	}
}

// Subscribe registers interest in event kinds starting with prefix and
// returns the delivery channel plus an unsubscribe function. bufSize
// bounds how far the subscriber may fall behind before losing events.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
