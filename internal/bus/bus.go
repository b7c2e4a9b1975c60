// Package bus fans client events out to the chat views, the transcript cache
// and the one-shot send command.
package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// ErrClosed is returned by Next once the subscription is gone.
var ErrClosed = errors.New("bus: subscription closed")

// Payload is an event body. Its type decides the topic.
type Payload interface {
	Topic() string
}

// Event is one delivery. Seq increases by one per Publish across the bus,
// so a subscriber can tell when it missed events.
type Event struct {
	Seq     uint64
	Topic   string
	Payload Payload
}

// Subscription receives events whose topic starts with one of its prefixes.
type Subscription struct {
	id       int
	prefixes []string
	ch       chan Event
	dropped  atomic.Int64
}

// Ch returns the delivery channel. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Next waits for the next event.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	}
}

// Dropped counts events this subscriber missed because its buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus is an in-process pub/sub bus with topic prefix matching. Publish never
// blocks the client loop: a full subscriber misses the event. Transcript and
// status payloads are full snapshots, so the next one repairs the gap.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	seq     atomic.Uint64
	dropped atomic.Int64
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe registers for topics under any of prefixes; none means every
// topic. Empty prefixes are ignored.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	kept := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p != "" {
			kept = append(kept, p)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefixes: kept,
		ch:       make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers p to every matching subscriber and returns its sequence
// number.
func (b *Bus) Publish(p Payload) uint64 {
	event := Event{
		Seq:     b.seq.Add(1),
		Topic:   p.Topic(),
		Payload: p,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(event.Topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
	return event.Seq
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped totals missed deliveries across all subscribers, past and present.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
