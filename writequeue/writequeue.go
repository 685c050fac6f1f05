// Package writequeue holds pending record writes so bursts of writes can be
// coalesced into fewer store operations. The queue is bounded: when Admit
// refuses, the owner is expected to flush everything it drains into the
// store and retry.
//
// The queue has no lock of its own. The owning layer serializes access,
// which also makes its flush-then-admit sequence atomic.
package writequeue

import "errors"

// ErrQueueSize is returned by New for a non-positive capacity.
var ErrQueueSize = errors.New("queue size must be greater than 0")

// Write is one pending write. Append marks that the write wants
// append-to-end semantics (no free-space search) if it turns out to be an
// insert at flush time.
type Write struct {
	Key     string
	Payload []byte
	Append  bool
}

// Queue is a bounded key to pending-write mapping. A later write to a
// queued key replaces the pending one in place, keeping its original
// position in the admission order.
type Queue struct {
	capacity int
	pending  map[string]*Write
	order    []string
}

func New(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, ErrQueueSize
	}
	return &Queue{
		capacity: capacity,
		pending:  make(map[string]*Write, capacity),
	}, nil
}

// Admit adds w to the queue. Returns false when the key is new and the
// queue is at capacity; the caller must flush before retrying.
func (q *Queue) Admit(w *Write) bool {
	if _, ok := q.pending[w.Key]; ok {
		q.pending[w.Key] = w
		return true
	}
	if len(q.pending) >= q.capacity {
		return false
	}
	q.pending[w.Key] = w
	q.order = append(q.order, w.Key)
	return true
}

// Peek returns the pending write for key without removing it. Lets reads
// observe writes that have not been flushed yet.
func (q *Queue) Peek(key string) (*Write, bool) {
	w, ok := q.pending[key]
	return w, ok
}

// Drop removes any pending write for key without flushing it. Used before
// a delete so a stale queued insert cannot resurrect the key.
func (q *Queue) Drop(key string) {
	if _, ok := q.pending[key]; !ok {
		return
	}
	delete(q.pending, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// DrainAll removes and returns every pending write in admission order.
func (q *Queue) DrainAll() []*Write {
	writes := make([]*Write, 0, len(q.pending))
	for _, key := range q.order {
		writes = append(writes, q.pending[key])
	}
	q.pending = make(map[string]*Write, q.capacity)
	q.order = q.order[:0]
	return writes
}

// Len is the number of pending writes.
func (q *Queue) Len() int {
	return len(q.pending)
}
