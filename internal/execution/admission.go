package execution

import (
	"container/list"
	"context"
	"sync"
)

// admission bounds concurrent executions. Requests beyond the ceiling wait
// in arrival order; once the wait list is full, new requests are refused.
type admission struct {
	mu       sync.Mutex
	limit    int
	capacity int
	active   int
	waiters  *list.List // of *ticket
}

type ticket struct {
	ready   chan struct{}
	granted bool
	elem    *list.Element
}

func newAdmission(limit, capacity int) *admission {
	if limit <= 0 {
		limit = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	return &admission{limit: limit, capacity: capacity, waiters: list.New()}
}

// enqueue never blocks. It grants a slot, queues a ticket, or returns
// ErrOverloaded when the queue is at capacity.
func (a *admission) enqueue() (*ticket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := &ticket{ready: make(chan struct{})}
	if a.active < a.limit && a.waiters.Len() == 0 {
		a.active++
		t.granted = true
		close(t.ready)
		return t, nil
	}
	if a.waiters.Len() >= a.capacity {
		return nil, ErrOverloaded
	}
	t.elem = a.waiters.PushBack(t)
	return t, nil
}

// wait blocks until the ticket is granted or ctx is done. A ticket granted
// concurrently with cancellation hands its slot to the next waiter.
func (a *admission) wait(ctx context.Context, t *ticket) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
	}
	a.mu.Lock()
	if t.granted {
		a.mu.Unlock()
		a.release()
		return ctx.Err()
	}
	a.waiters.Remove(t.elem)
	a.mu.Unlock()
	return ctx.Err()
}

// release returns a slot, passing it directly to the oldest waiter.
func (a *admission) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if front := a.waiters.Front(); front != nil {
		t := a.waiters.Remove(front).(*ticket)
		t.granted = true
		close(t.ready)
		return
	}
	if a.active > 0 {
		a.active--
	}
}

// depth returns the number of running and queued executions.
func (a *admission) depth() (running, queued int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active, a.waiters.Len()
}
