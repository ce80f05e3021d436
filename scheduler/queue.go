package scheduler

import (
	"container/list"
)

// deque holds pending entries with explicit head and tail operations, so
// the head-of-queue retry policy is a visible invariant rather than a
// slice trick. Entries keep their element for O(1) removal on timeout.
type deque struct {
	entries *list.List
}

func newDeque() *deque {
	return &deque{entries: list.New()}
}

func (q *deque) Len() int {
	return q.entries.Len()
}

// PushTail appends a newly submitted entry.
func (q *deque) PushTail(entry *queueEntry) {
	entry.elem = q.entries.PushBack(entry)
}

// PushHead reinserts a retried entry ahead of newer work.
func (q *deque) PushHead(entry *queueEntry) {
	entry.elem = q.entries.PushFront(entry)
}

// PopHead removes and returns the oldest entry, or nil when empty.
func (q *deque) PopHead() *queueEntry {
	front := q.entries.Front()
	if front == nil {
		return nil
	}
	q.entries.Remove(front)
	entry := front.Value.(*queueEntry)
	entry.elem = nil
	return entry
}

// Remove takes an entry out of the queue, if still queued.
func (q *deque) Remove(entry *queueEntry) bool {
	if entry.elem == nil {
		return false
	}
	q.entries.Remove(entry.elem)
	entry.elem = nil
	return true
}
