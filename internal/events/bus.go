// Package events provides the typed in-process publish/subscribe bus that
// wires the supervisor, context monitor, waiting detector, ticket state
// machine, reviewer, handoff controller, and realtime hub together.
//
// Design notes:
//   - Publish never blocks callers: each subscriber has a bounded queue and
//     events are dropped (newest first) when a queue is full, so a stuck
//     consumer cannot back-pressure the supervisor's capture loop.
//   - Subscriptions are per-topic; TopicAll receives every event.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// TopicAll subscribes to every published event.
const TopicAll Topic = "*"

// Subscription is a handle to a per-topic event queue.
type Subscription struct {
	C chan Event

	bus    *Bus
	topic  Topic
	closed atomic.Bool
}

// Close cancels the subscription and closes the channel.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.unsubscribe(s)
	}
}

// Bus is an in-process topic-routed event bus.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic][]*Subscription
	buffer  int
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewBus creates a bus whose subscriber queues hold up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[Topic][]*Subscription),
		buffer: buffer,
		logger: slog.Default().With("component", "events"),
	}
}

// Subscribe registers a new subscriber for the given topic.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		C:     make(chan Event, b.buffer),
		bus:   b,
		topic: topic,
	}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to all subscribers of its topic and to TopicAll
// subscribers. Delivery is non-blocking; full queues drop the event.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	// Sends are non-blocking, so the read lock is held for the whole fan-out.
	// Close runs under the write lock, which keeps channel close and send
	// mutually exclusive.
	b.mu.RLock()
	defer b.mu.RUnlock()
	targets := make([]*Subscription, 0, len(b.subs[ev.Topic()])+len(b.subs[TopicAll]))
	targets = append(targets, b.subs[ev.Topic()]...)
	targets = append(targets, b.subs[TopicAll]...)

	for _, sub := range targets {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			n := b.dropped.Add(1)
			// Avoid log spam: report the first drop and then every 1000.
			if n == 1 || n%1000 == 0 {
				b.logger.Debug("bus dropped events (subscriber queue full)",
					"dropped", n, "topic", ev.Topic())
			}
		}
	}
}

// Dropped returns the total number of events dropped across subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	close(sub.C)
}
