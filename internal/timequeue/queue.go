// Package timequeue implements a time-ordered queue of pending fire entries
// with handle-addressed cancellation.
//
// Entries are ordered by fire time, then priority (lower first), then
// insertion order. Queue is not safe for concurrent use; callers guard it
// with their own lock.
package timequeue

import (
	"container/heap"
	"sort"
	"time"
)

// Handle identifies one inserted entry. Handles are never reused.
type Handle uint64

// Zero is the handle of no entry.
const Zero Handle = 0

// Entry is a pending fire entry.
type Entry[T any] struct {
	At       time.Time
	Priority int
	Handle   Handle
	Value    T
}

// Before reports whether e sorts ahead of o.
func (e Entry[T]) Before(o Entry[T]) bool {
	if !e.At.Equal(o.At) {
		return e.At.Before(o.At)
	}
	if e.Priority != o.Priority {
		return e.Priority < o.Priority
	}
	return e.Handle < o.Handle
}

type item[T any] struct {
	Entry[T]
	index int
}

type entryHeap[T any] []*item[T]

func (h entryHeap[T]) Len() int           { return len(h) }
func (h entryHeap[T]) Less(i, j int) bool { return h[i].Before(h[j].Entry) }
func (h entryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap[T]) Push(x any) {
	it := x.(*item[T])
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a min-heap of entries plus a handle index.
type Queue[T any] struct {
	h     entryHeap[T]
	byID  map[Handle]*item[T]
	nextH Handle
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{byID: map[Handle]*item[T]{}}
}

func (q *Queue[T]) init() {
	if q.byID == nil {
		q.byID = map[Handle]*item[T]{}
	}
}

// Len returns the number of pending entries.
func (q *Queue[T]) Len() int { return len(q.h) }

// Insert adds an entry firing at the given instant.
func (q *Queue[T]) Insert(at time.Time, priority int, v T) Handle {
	q.init()
	q.nextH++
	it := &item[T]{Entry: Entry[T]{At: at, Priority: priority, Handle: q.nextH, Value: v}}
	heap.Push(&q.h, it)
	q.byID[it.Handle] = it
	return it.Handle
}

// InsertAfter adds an entry firing delaySeconds after now. Non-positive
// delays are refused and nothing is inserted.
func (q *Queue[T]) InsertAfter(now time.Time, delaySeconds int64, priority int, v T) (Handle, bool) {
	if delaySeconds <= 0 {
		return Zero, false
	}
	return q.Insert(now.Add(time.Duration(delaySeconds)*time.Second), priority, v), true
}

// Cancel removes the entry for h. It returns false when h is no longer
// pending (already popped, already cancelled or never issued).
func (q *Queue[T]) Cancel(h Handle) bool {
	it, ok := q.byID[h]
	if !ok {
		return false
	}
	delete(q.byID, h)
	heap.Remove(&q.h, it.index)
	return true
}

// Contains reports whether h is still pending.
func (q *Queue[T]) Contains(h Handle) bool {
	_, ok := q.byID[h]
	return ok
}

// Peek returns the head entry without removing it.
func (q *Queue[T]) Peek() (Entry[T], bool) {
	if len(q.h) == 0 {
		return Entry[T]{}, false
	}
	return q.h[0].Entry, true
}

// PopDue removes and returns every entry whose fire time is not after now,
// in queue order.
func (q *Queue[T]) PopDue(now time.Time) []Entry[T] {
	var out []Entry[T]
	for len(q.h) > 0 && !q.h[0].At.After(now) {
		it := heap.Pop(&q.h).(*item[T])
		delete(q.byID, it.Handle)
		out = append(out, it.Entry)
	}
	return out
}

// Pending returns an ordered copy of all pending entries. The queue itself
// is not modified.
func (q *Queue[T]) Pending() []Entry[T] {
	out := make([]Entry[T], 0, len(q.h))
	for _, it := range q.h {
		out = append(out, it.Entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
