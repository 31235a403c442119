package expirer

import (
	"container/heap"
	"strings"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/store"
)

// schedule is a min-heap of scheduled expiries on expireAt, with keyed
// removal for fulfilled or externally expired underwrites.
type schedule struct {
	heap    expiryHeap
	entries map[string]*scheduledExpiry
}

func newSchedule() *schedule {
	return &schedule{entries: make(map[string]*scheduledExpiry)}
}

func scheduleKey(d store.SwapDescription) string {
	return strings.ToLower(d.ToInterface.Hex() + ":" + d.UnderwriteID.Hex())
}

// add inserts an entry, replacing any previous one under the same key.
func (s *schedule) add(entry *scheduledExpiry) {
	key := scheduleKey(entry.desc)
	if old, ok := s.entries[key]; ok {
		heap.Remove(&s.heap, old.index)
	}
	s.entries[key] = entry
	heap.Push(&s.heap, entry)
}

// remove deletes the entry for the given key, reporting whether it existed.
func (s *schedule) remove(d store.SwapDescription) bool {
	key := scheduleKey(d)
	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(s.entries, key)
	heap.Remove(&s.heap, entry.index)
	return true
}

// popDue removes and returns all entries with expireAt at or below tip.
func (s *schedule) popDue(tip uint64) []*scheduledExpiry {
	var due []*scheduledExpiry
	for s.heap.Len() > 0 && s.heap[0].expireAt <= tip {
		entry := heap.Pop(&s.heap).(*scheduledExpiry)
		delete(s.entries, scheduleKey(entry.desc))
		due = append(due, entry)
	}
	return due
}

func (s *schedule) size() int {
	return s.heap.Len()
}

type expiryHeap []*scheduledExpiry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expireAt < h[j].expireAt }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }

func (h *expiryHeap) Push(x any) {
	e := x.(*scheduledExpiry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
