package ccrouter

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DelayableMessage is a message waiting in the MessageQueue for its next
// delivery attempt.
type DelayableMessage struct {
	Message    *ImmutableMessage
	ReadyAt    time.Time
	RetryCount int

	seq      uint64
	index    int
	delivery *delivery
}

// NewDelayableMessage wraps msg for an attempt at readyAt.
func NewDelayableMessage(msg *ImmutableMessage, readyAt time.Time) *DelayableMessage {
	return &DelayableMessage{Message: msg, ReadyAt: readyAt, index: -1}
}

type delayHeap []*DelayableMessage

func (h delayHeap) Len() int { return len(h) }

// Less orders by ReadyAt; equal times keep insertion order.
func (h delayHeap) Less(i, j int) bool {
	if h[i].ReadyAt.Equal(h[j].ReadyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].ReadyAt.Before(h[j].ReadyAt)
}

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x any) {
	item := x.(*DelayableMessage)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// MessageQueue is a delay queue ordered by ReadyAt. Messages with the same
// ReadyAt are returned in insertion order. It is safe for concurrent use.
type MessageQueue struct {
	mu      sync.Mutex
	items   delayHeap
	seq     uint64
	changed chan struct{}
	closed  bool
	clock   clock.Clock
}

// NewMessageQueue creates an empty queue. A nil clock uses the wall clock.
func NewMessageQueue(c clock.Clock) *MessageQueue {
	if c == nil {
		c = clock.New()
	}
	return &MessageQueue{
		changed: make(chan struct{}),
		clock:   c,
	}
}

// Put adds a message in O(log n). It returns false if the queue is closed.
func (q *MessageQueue) Put(m *DelayableMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.seq++
	m.seq = q.seq
	heap.Push(&q.items, m)
	q.broadcastLocked()

	return true
}

// broadcastLocked wakes every waiting Poll so it re-evaluates the head.
func (q *MessageQueue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Poll waits up to timeout for the earliest message to become ready and
// removes it. It returns false on timeout, cancellation or close.
func (q *MessageQueue) Poll(ctx context.Context, timeout time.Duration) (*DelayableMessage, bool) {
	deadline := q.clock.Now().Add(timeout)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}

		now := q.clock.Now()
		if len(q.items) > 0 && !q.items[0].ReadyAt.After(now) {
			m := heap.Pop(&q.items).(*DelayableMessage)
			q.mu.Unlock()
			return m, true
		}

		wait := deadline.Sub(now)
		if wait <= 0 {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			wait = min(wait, q.items[0].ReadyAt.Sub(now))
		}
		changed := q.changed
		q.mu.Unlock()

		timer := q.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Remove deletes the message with the given id and reports whether it was queued.
func (q *MessageQueue) Remove(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, m := range q.items {
		if m.Message.ID == messageID {
			heap.Remove(&q.items, m.index)
			return true
		}
	}
	return false
}

// Reschedule moves every queued message matching fn to readyAt if that is
// earlier than its current ReadyAt. It returns the number of moved messages.
func (q *MessageQueue) Reschedule(fn func(*DelayableMessage) bool, readyAt time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	moved := 0
	for _, m := range q.items {
		if m.ReadyAt.After(readyAt) && fn(m) {
			m.ReadyAt = readyAt
			moved++
		}
	}

	if moved > 0 {
		heap.Init(&q.items)
		q.broadcastLocked()
	}
	return moved
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all pollers and drops queued messages. Drained messages are returned.
func (q *MessageQueue) Close() []*DelayableMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	drained := []*DelayableMessage(q.items)
	q.items = nil
	for _, m := range drained {
		m.index = -1
	}
	q.broadcastLocked()

	return drained
}
