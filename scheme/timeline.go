package scheme

import (
	"container/heap"

	"github.com/hefroy/fleetedge/document"
)

// timelineEntry is one (wall time, scheme id) wake point. Entries are
// pushed freely on every start/expiry change and invalidated lazily:
// an entry is discarded on pop when the referenced scheme has moved or
// its times no longer match.
type timelineEntry struct {
	timeMs int64
	id     document.SyncID
}

// timelineHeap is a min-heap over wall-clock time.
type timelineHeap []timelineEntry

func (h timelineHeap) Len() int            { return len(h) }
func (h timelineHeap) Less(i, j int) bool  { return h[i].timeMs < h[j].timeMs }
func (h timelineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timelineHeap) Push(x interface{}) { *h = append(*h, x.(timelineEntry)) }

func (h *timelineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// timeline wraps the heap with typed operations.
type timeline struct {
	entries timelineHeap
}

func newTimeline() *timeline {
	t := &timeline{}
	heap.Init(&t.entries)
	return t
}

func (t *timeline) push(timeMs int64, id document.SyncID) {
	heap.Push(&t.entries, timelineEntry{timeMs: timeMs, id: id})
}

func (t *timeline) pop() timelineEntry {
	return heap.Pop(&t.entries).(timelineEntry)
}

func (t *timeline) top() (timelineEntry, bool) {
	if len(t.entries) == 0 {
		return timelineEntry{}, false
	}
	return t.entries[0], true
}

func (t *timeline) empty() bool {
	return len(t.entries) == 0
}

func (t *timeline) len() int {
	return len(t.entries)
}
