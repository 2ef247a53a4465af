// Package eventbus implements the in-process typed pub/sub bus every fleetd
// component communicates through. It guarantees per-topic FIFO delivery and
// never lets a slow subscriber block the others: each subscriber has a
// bounded buffer and the bus drops the oldest buffered event (counting the
// drop) on overflow rather than blocking the publisher.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Topic names the events fleetd components publish and subscribe to.
type Topic string

const (
	TopicTargetStateChanged    Topic = "target-state-changed"
	TopicCurrentStateChanged   Topic = "current-state-changed"
	TopicReconciliationDone    Topic = "reconciliation-complete"
	TopicServiceUnhealthy      Topic = "service-unhealthy"
	TopicFeatureFailed         Topic = "feature-failed"
	TopicConnectionOnline      Topic = "connection-online"
	TopicConnectionDegraded    Topic = "connection-degraded"
	TopicConnectionOffline     Topic = "connection-offline"
	TopicConnectionRestored    Topic = "connection-restored"
	TopicLoggingChanged        Topic = "logging.changed"
	TopicSettingsChanged       Topic = "settings.changed"
	TopicFeaturesChanged       Topic = "features.changed"
	TopicUnknownSectionChanged Topic = "config.unknown-section-changed"
)

// Event is a single published message: a topic and an arbitrary payload.
// Subscribers type-assert Payload against what the topic's publisher
// documents it sends.
type Event struct {
	Topic   Topic
	Payload any
}

// Handler is invoked for every event delivered to a subscription, on the
// bus's own dispatch goroutine for that subscription. Handlers must not
// block for long; hand off to your own goroutine if you need to do I/O.
type Handler func(Event)

const defaultBufferSize = 32

// Bus is the in-process pub/sub broker. The zero value is not usable; use
// New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]*subscription
	bufferSize  int
	logger      zerolog.Logger
}

type subscription struct {
	ch      chan Event
	dropped atomic.Uint64
	handler Handler
	stopCh  chan struct{}
}

// New creates an event bus whose per-subscriber buffers hold bufferSize
// events before dropping the oldest. A bufferSize <= 0 uses a sane default.
func New(logger zerolog.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		subscribers: make(map[Topic][]*subscription),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers handler to run for every event published to topic,
// on its own dispatch goroutine, preserving FIFO order per topic per
// subscriber. Returns an Unsubscribe func.
func (b *Bus) Subscribe(topic Topic, handler Handler) (unsubscribe func()) {
	sub := &subscription{
		ch:      make(chan Event, b.bufferSize),
		handler: handler,
		stopCh:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	go sub.run()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[topic]
		for i, s := range subs {
			if s == sub {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(sub.stopCh)
	}
}

func (s *subscription) run() {
	for {
		select {
		case ev := <-s.ch:
			s.handler(ev)
		case <-s.stopCh:
			return
		}
	}
}

// Publish delivers event to every current subscriber of its topic. A
// subscriber whose buffer is full has its oldest buffered event dropped
// (and a counter incremented) to make room, rather than blocking Publish.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subscribers[event.Topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			// Buffer full: drop the oldest to make room, never block the
			// publisher on a slow subscriber.
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
				b.logger.Warn().
					Str("topic", string(event.Topic)).
					Uint64("dropped_total", sub.dropped.Load()).
					Msg("subscriber buffer full, dropped oldest event")
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions for topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}
