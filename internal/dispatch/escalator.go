// Package dispatch decides what work runs when: it turns due resources and
// active schedule minutes into pool items, staggered so load never spikes.
package dispatch

import (
	"container/heap"
	"sync"
	"time"
)

// Escalator is a time-ordered queue of resources promoted for an early
// recheck, typically because they just saw inbound traffic. Entries pop in
// due order; re-pushing a queued resource keeps the earlier due time.
type Escalator struct {
	mu  sync.Mutex
	h   entryHeap
	idx map[string]*entry
}

func NewEscalator() *Escalator {
	return &Escalator{idx: make(map[string]*entry)}
}

// Push queues a resource for recheck at due. A resource already queued with
// an earlier due time is left alone; a later one is pulled forward.
func (e *Escalator) Push(resourceID string, due time.Time) {
	if resourceID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.idx[resourceID]; ok {
		if due.Before(cur.due) {
			cur.due = due
			heap.Fix(&e.h, cur.pos)
		}
		return
	}
	en := &entry{resourceID: resourceID, due: due}
	e.idx[resourceID] = en
	heap.Push(&e.h, en)
}

// PopDue removes and returns every resource whose due time has passed,
// earliest first.
func (e *Escalator) PopDue(now time.Time) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []string
	for e.h.Len() > 0 && !e.h[0].due.After(now) {
		en := heap.Pop(&e.h).(*entry)
		delete(e.idx, en.resourceID)
		out = append(out, en.resourceID)
	}
	return out
}

// Len reports how many resources are queued.
func (e *Escalator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.h.Len()
}

// NextDue returns the earliest due time, or the zero time when empty.
func (e *Escalator) NextDue() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.h.Len() == 0 {
		return time.Time{}
	}
	return e.h[0].due
}

type entry struct {
	resourceID string
	due        time.Time
	pos        int
}

type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *entryHeap) Push(x any) {
	en := x.(*entry)
	en.pos = len(*h)
	*h = append(*h, en)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	en := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return en
}
