package execution

import (
	"container/list"
	"sync"
	"time"
)

// History keeps recent execution results in submission order.
// Lookups are O(1); eviction removes the oldest terminal entries first,
// by capacity and by age. Running executions are never evicted.
type History struct {
	mu       sync.Mutex
	capacity int
	maxAge   time.Duration
	order    *list.List // of *Result, oldest at the front.
	index    map[string]*list.Element
	now      func() time.Time
}

// NewHistory creates a history. capacity <= 0 means 500; maxAge <= 0 disables age eviction.
func NewHistory(capacity int, maxAge time.Duration) *History {
	if capacity <= 0 {
		capacity = 500
	}
	return &History{
		capacity: capacity,
		maxAge:   maxAge,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Put inserts a result or replaces the stored copy with the same ID.
func (h *History) Put(r *Result) {
	cp := r.clone()
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.index[r.ID]; ok {
		e.Value = cp
	} else {
		h.index[r.ID] = h.order.PushBack(cp)
	}
	h.evictLocked()
}

// Get returns a copy of the result with the given ID.
func (h *History) Get(id string) (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Value.(*Result).clone(), nil
}

// List returns up to limit results, most recent first. limit <= 0 returns all.
func (h *History) List(limit int) []*Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.order.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Result, 0, n)
	for e := h.order.Back(); e != nil && len(out) < n; e = e.Prev() {
		out = append(out, e.Value.(*Result).clone())
	}
	return out
}

// Len returns the number of retained results.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.order.Len()
}

// Prune applies age eviction and returns the number of removed entries.
func (h *History) Prune() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evictLocked()
}

func (h *History) evictLocked() int {
	removed := 0
	cutoff := time.Time{}
	if h.maxAge > 0 {
		cutoff = h.now().Add(-h.maxAge)
	}
	for e := h.order.Front(); e != nil; {
		next := e.Next()
		r := e.Value.(*Result)
		over := h.order.Len() > h.capacity
		expired := !cutoff.IsZero() && r.FinishedAt != nil && r.FinishedAt.Before(cutoff)
		if !over && !expired {
			if cutoff.IsZero() {
				break
			}
			e = next
			continue
		}
		if r.Status.IsTerminal() {
			h.order.Remove(e)
			delete(h.index, r.ID)
			removed++
		}
		e = next
	}
	return removed
}
