// Package adaptation turns classified detections into responses: rotations,
// countermeasure deployments and the learning feedback loop over their
// outcomes. The controller never propagates a failure past its boundary;
// every sub-action error is captured into the response it belongs to.
package adaptation

import (
	"sync"
	"sync/atomic"

	"github.com/xkilldash9x/netguise/api/schemas"
	"github.com/xkilldash9x/netguise/internal/metrics"
)

// Bus fans adaptation events out to subscribers over bounded queues.
// Publish never blocks the controller; a full subscriber queue drops the
// event and counts the drop.
type Bus struct {
	queueSize int

	mu      sync.Mutex
	subs    []chan schemas.AdaptationEvent
	closed  bool
	dropped atomic.Int64
}

// NewBus builds a bus whose subscriber queues hold queueSize events.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{queueSize: queueSize}
}

// Subscribe registers a new consumer. The returned channel is closed when
// the bus shuts down.
func (b *Bus) Subscribe() <-chan schemas.AdaptationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan schemas.AdaptationEvent, b.queueSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber that has queue capacity.
func (b *Bus) Publish(event schemas.AdaptationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			metrics.EventsDropped.Inc()
		}
	}
}

// Dropped reports how many events were discarded on full queues.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
