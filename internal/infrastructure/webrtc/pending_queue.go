package webrtc

import (
	"sync"

	"pdfcast/internal/core/domain"
)

// pendingViewerQueue holds viewers who joined before capture was ready.
// FIFO, duplicates collapse on insert, and Drain hands the contents over
// exactly once.
type pendingViewerQueue struct {
	mu      sync.Mutex
	order   []domain.ConnID
	present map[domain.ConnID]struct{}
}

func newPendingViewerQueue() *pendingViewerQueue {
	return &pendingViewerQueue{
		present: make(map[domain.ConnID]struct{}),
	}
}

// Enqueue adds a viewer unless it is already waiting.
func (q *pendingViewerQueue) Enqueue(id domain.ConnID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.present[id]; ok {
		return
	}
	q.present[id] = struct{}{}
	q.order = append(q.order, id)
}

// Remove discards a waiting viewer, for viewers who leave before capture
// becomes ready.
func (q *pendingViewerQueue) Remove(id domain.ConnID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.present[id]; !ok {
		return
	}
	delete(q.present, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Drain empties the queue and returns the viewers in arrival order.
func (q *pendingViewerQueue) Drain() []domain.ConnID {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.order
	q.order = nil
	q.present = make(map[domain.ConnID]struct{})
	return out
}

func (q *pendingViewerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
