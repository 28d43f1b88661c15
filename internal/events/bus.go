// Package events provides a publish/subscribe event bus for operational
// observability of the broker itself. Events flow from components
// (orchestrator, distribution fabric, publish service) to subscribers
// (the ops WebSocket handler, future metrics collectors). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which broker component published an event.
const (
	// SourceOrchestrator identifies events from the adapter tick schedule.
	SourceOrchestrator = "orchestrator"
	// SourceDistribution identifies events from the live-stream fabric.
	SourceDistribution = "distribution"
	// SourcePublish identifies events from authenticated publisher ingress.
	SourcePublish = "publish"
)

// Kind constants describe the type of event within a source.
const (
	// KindAdapterTick signals one adapter fetch cycle completed.
	// Data: adapter, candidates.
	KindAdapterTick = "adapter_tick"
	// KindAdapterError signals an adapter fetch failed.
	// Data: adapter, error.
	KindAdapterError = "adapter_error"
	// KindAlertAccepted signals a candidate was admitted to the alert store.
	// Data: alertId, channel, source.
	KindAlertAccepted = "alert_accepted"

	// KindSubscriberConnected signals a live stream was opened.
	// Data: subscriberId.
	KindSubscriberConnected = "subscriber_connected"
	// KindSubscriberDisconnected signals a live stream was closed.
	// Data: subscriberId.
	KindSubscriberDisconnected = "subscriber_disconnected"

	// KindPublishAccepted signals a publisher-submitted alert was
	// accepted and distributed.
	// Data: publisherId, alertId, channel, delivered.
	KindPublishAccepted = "publish_accepted"
	// KindPublishRejected signals a publish call was rejected.
	// Data: publisherId, reason.
	KindPublishRejected = "publish_rejected"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
