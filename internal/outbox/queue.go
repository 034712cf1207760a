// Package outbox holds sends that could not be transmitted immediately.
package outbox

import (
	"errors"

	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/metrics"
)

// ErrFull is returned by Enqueue when the queue is at its limit.
var ErrFull = errors.New("outbox full")

// Queue is a FIFO of pending sends. Items share pointers with the
// reconciler so transmission stamps are visible to both.
//
// Queue is not safe for concurrent use.
type Queue struct {
	items []*domain.PendingSend
	limit int
}

// New creates a queue. A limit of zero means unbounded.
func New(limit int) *Queue {
	return &Queue{limit: limit}
}

// Enqueue appends p at the tail.
func (q *Queue) Enqueue(p *domain.PendingSend) error {
	if q.limit > 0 && len(q.items) >= q.limit {
		return ErrFull
	}
	q.items = append(q.items, p)
	q.observe()
	return nil
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (*domain.PendingSend, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Pop removes the head. Callers pop only after the head was written.
func (q *Queue) Pop() (*domain.PendingSend, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.observe()
	return p, true
}

// Len returns the number of queued sends.
func (q *Queue) Len() int {
	return len(q.items)
}

// HasSession reports whether any send for sessionID is still queued.
func (q *Queue) HasSession(sessionID string) bool {
	for _, p := range q.items {
		if p.SessionID == sessionID {
			return true
		}
	}
	return false
}

// Contains reports whether localID is queued.
func (q *Queue) Contains(localID string) bool {
	for _, p := range q.items {
		if p.LocalID == localID {
			return true
		}
	}
	return false
}

// Remove drops the send with localID. It reports whether one was queued.
func (q *Queue) Remove(localID string) bool {
	for i, p := range q.items {
		if p.LocalID == localID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.observe()
			return true
		}
	}
	return false
}

// RemoveSession drops every queued send for sessionID and returns them.
func (q *Queue) RemoveSession(sessionID string) []*domain.PendingSend {
	var removed []*domain.PendingSend
	kept := q.items[:0]
	for _, p := range q.items {
		if p.SessionID == sessionID {
			removed = append(removed, p)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	q.observe()
	return removed
}

// Snapshot returns copies of the queued sends in order.
func (q *Queue) Snapshot() []domain.PendingSend {
	out := make([]domain.PendingSend, len(q.items))
	for i, p := range q.items {
		out[i] = *p
	}
	return out
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.items = nil
	q.observe()
}

func (q *Queue) observe() {
	metrics.OutboxDepth.Set(float64(len(q.items)))
}
