// Package broadcast fans frames and alert events out to live subscribers.
// The producer side never blocks: each subscriber has its own bounded queue
// and its own delivery goroutine on the consuming side.
package broadcast

import (
	"sync"

	"github.com/guardcam/protection-server/internal/logger"
	"github.com/guardcam/protection-server/internal/protect"
)

const (
	// DefaultFrameQueue is the per-subscriber frame buffer. Small on
	// purpose: a viewer only ever wants recent frames.
	DefaultFrameQueue = 4
	// DefaultAlertQueue is the per-subscriber alert buffer. Alerts are rare
	// and must not be lost, so the queue is deep enough that only a wedged
	// subscriber can fill it.
	DefaultAlertQueue = 64
)

// FrameBroadcaster fans out encoded frames. A slow subscriber loses its
// oldest queued frame, never the producer's time.
type FrameBroadcaster struct {
	mu        sync.Mutex
	clients   map[int]chan []byte
	nextID    int
	queueSize int
	closed    bool

	// Dropped counts frames evicted from subscriber queues, for metrics.
	dropped uint64
}

// NewFrameBroadcaster returns a broadcaster with the given per-subscriber
// queue size (DefaultFrameQueue when <= 0).
func NewFrameBroadcaster(queueSize int) *FrameBroadcaster {
	if queueSize <= 0 {
		queueSize = DefaultFrameQueue
	}
	return &FrameBroadcaster{
		clients:   make(map[int]chan []byte),
		queueSize: queueSize,
	}
}

// Subscribe adds a subscriber and returns its id and receive channel. The
// channel is closed on Unsubscribe or Close; joining sees only future
// frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, fb.queueSize)
	if fb.closed {
		close(ch)
		return id, ch
	}
	fb.clients[id] = ch
	logger.Debug("FrameBroadcaster", "Subscriber #%d joined (total: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		logger.Debug("FrameBroadcaster", "Subscriber #%d left (remaining: %d)", id, len(fb.clients))
	}
}

// Publish delivers a frame to every subscriber. When a subscriber's queue
// is full its oldest frame is evicted to make room (drop-oldest), so the
// call never blocks.
func (fb *FrameBroadcaster) Publish(frame []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- frame:
			continue
		default:
		}
		// Queue full: evict the oldest entry, then enqueue. The drain and
		// the send both run under fb.mu, so the second send cannot race
		// another producer.
		select {
		case <-ch:
			fb.dropped++
		default:
		}
		select {
		case ch <- frame:
		default:
		}
	}
}

// Count returns the number of connected subscribers.
func (fb *FrameBroadcaster) Count() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Dropped returns the cumulative number of frames evicted from subscriber
// queues.
func (fb *FrameBroadcaster) Dropped() uint64 {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.dropped
}

// Close disconnects every subscriber. Further Publish calls are no-ops and
// further Subscribe calls return a closed channel.
func (fb *FrameBroadcaster) Close() {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.closed {
		return
	}
	fb.closed = true
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
	}
}

// AlertBroadcaster fans out alert events. Alerts are never silently
// dropped: a subscriber whose deep queue fills up is considered wedged and
// is disconnected instead.
type AlertBroadcaster struct {
	mu        sync.Mutex
	clients   map[int]chan protect.AlertEvent
	nextID    int
	queueSize int
	closed    bool
}

// NewAlertBroadcaster returns a broadcaster with the given per-subscriber
// queue size (DefaultAlertQueue when <= 0).
func NewAlertBroadcaster(queueSize int) *AlertBroadcaster {
	if queueSize <= 0 {
		queueSize = DefaultAlertQueue
	}
	return &AlertBroadcaster{
		clients:   make(map[int]chan protect.AlertEvent),
		queueSize: queueSize,
	}
}

// Subscribe adds a subscriber and returns its id and receive channel.
func (ab *AlertBroadcaster) Subscribe() (int, <-chan protect.AlertEvent) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	id := ab.nextID
	ab.nextID++
	ch := make(chan protect.AlertEvent, ab.queueSize)
	if ab.closed {
		close(ch)
		return id, ch
	}
	ab.clients[id] = ch
	logger.Debug("AlertBroadcaster", "Subscriber #%d joined (total: %d)", id, len(ab.clients))
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (ab *AlertBroadcaster) Unsubscribe(id int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ch, ok := ab.clients[id]; ok {
		close(ch)
		delete(ab.clients, id)
		logger.Debug("AlertBroadcaster", "Subscriber #%d left (remaining: %d)", id, len(ab.clients))
	}
}

// Publish delivers an alert to every subscriber without blocking. A
// subscriber that cannot take the event with a full queue behind it has
// stopped consuming entirely and is disconnected.
func (ab *AlertBroadcaster) Publish(event protect.AlertEvent) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	for id, ch := range ab.clients {
		select {
		case ch <- event:
		default:
			logger.Warn("AlertBroadcaster", "Subscriber #%d stalled with a full alert queue, disconnecting", id)
			close(ch)
			delete(ab.clients, id)
		}
	}
}

// Count returns the number of connected subscribers.
func (ab *AlertBroadcaster) Count() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.clients)
}

// Close disconnects every subscriber.
func (ab *AlertBroadcaster) Close() {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ab.closed {
		return
	}
	ab.closed = true
	for id, ch := range ab.clients {
		close(ch)
		delete(ab.clients, id)
	}
}
