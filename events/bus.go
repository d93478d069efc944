// Package events is the in-process typed pub/sub bus. Both per-kind and
// wildcard subscriptions are first-class, and the bus retains a bounded
// ring of recent events for late joiners such as dashboard connections.
package events

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Kind names one event stream on the bus.
type Kind string

const (
	KindMetrics Kind = "metrics"
	KindRequest Kind = "request"
	KindError   Kind = "error"
	KindAudit   Kind = "audit"
	KindHealing Kind = "healing"
	KindBreaker Kind = "breaker"
	KindSession Kind = "session"
	KindStore   Kind = "store"

	// KindAll is the reserved wildcard kind: publishers also fan out every
	// event to its subscribers.
	KindAll Kind = "*"
)

// Event is one published record.
type Event struct {
	Kind      Kind        `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

const historySize = 1000

type subscriber struct {
	id int
	ch chan Event
}

// Bus is the process-wide event bus.
type Bus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[Kind][]subscriber
	history *Ring[Event]
}

// NewBus returns a Bus with a default no-op subscriber on the error kind,
// so that error publishes always have at least one consumer.
func NewBus() *Bus {
	var b = &Bus{
		subs:    make(map[Kind][]subscriber),
		history: NewRing[Event](historySize),
	}
	var ch, _ = b.Subscribe(KindError)
	go func() {
		for range ch {
		}
	}()
	return b
}

// Publish delivers |payload| to subscribers of |kind| and of the wildcard.
// Delivery is non-blocking: a subscriber whose channel is full misses the
// event rather than stalling the publisher. Sends happen under the
// subscription lock, so a concurrent cancel can never close a channel a
// publisher is about to send on.
func (b *Bus) Publish(kind Kind, payload interface{}) {
	var ev = Event{Kind: kind, Timestamp: time.Now().UTC(), Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.history.Push(ev)
	for _, sub := range b.subs[kind] {
		deliver(sub, ev)
	}
	if kind != KindAll {
		for _, sub := range b.subs[KindAll] {
			deliver(sub, ev)
		}
	}
}

func deliver(sub subscriber, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		log.WithField("kind", ev.Kind).Debug("event bus subscriber is lagging; dropping event")
	}
}

// Subscribe registers interest in |kind| (or KindAll) and returns the
// delivery channel plus a cancel function which unsubscribes and closes it.
func (b *Bus) Subscribe(kind Kind) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	var sub = subscriber{id: b.nextID, ch: make(chan Event, 64)}
	b.subs[kind] = append(b.subs[kind], sub)

	var cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		var list = b.subs[kind]
		for i, s := range list {
			if s.id == sub.id {
				b.subs[kind] = append(list[:i], list[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// History returns a copy of the retained event ring, oldest first.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.Snapshot()
}
