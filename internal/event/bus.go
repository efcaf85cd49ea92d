package event

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Bus is a channel-backed publish/subscribe fan-out for domain events.
// Publish never blocks the transition that produced the event: a
// subscriber whose buffer is full misses the event and the drop is
// counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	bufferSize  int
	closed      bool
	dropped     atomic.Int64
	logger      *zap.Logger
}

// NewBus creates an event bus. bufferSize is the per-subscriber
// channel capacity.
func NewBus(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Bus{
		subscribers: make(map[int]chan Event),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a new subscriber and returns its event channel
// plus an unsubscribe function. The channel is closed on unsubscribe
// and on bus close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish fans the event out to all subscribers without blocking
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
			b.logger.Warn("Event dropped for slow subscriber",
				zap.String("type", evt.Type.String()),
				zap.String("voucher_code", evt.VoucherCode))
		}
	}
}

// Dropped returns the number of events dropped for slow subscribers
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels; further publishes are ignored
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
