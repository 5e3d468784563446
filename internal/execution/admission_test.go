package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmission_FIFO(t *testing.T) {
	a := newAdmission(1, 3)
	first, err := a.enqueue()
	require.NoError(t, err)
	require.NoError(t, a.wait(context.Background(), first))

	var queued []*ticket
	for i := 0; i < 3; i++ {
		tk, err := a.enqueue()
		require.NoError(t, err)
		queued = append(queued, tk)
	}
	_, err = a.enqueue()
	assert.ErrorIs(t, err, ErrOverloaded)

	for i, tk := range queued {
		a.release()
		require.NoError(t, a.wait(context.Background(), tk), "ticket %d", i)
		for _, later := range queued[i+1:] {
			select {
			case <-later.ready:
				t.Fatalf("ticket granted out of order")
			default:
			}
		}
	}
	a.release()
	running, waiting := a.depth()
	assert.Equal(t, 0, running)
	assert.Equal(t, 0, waiting)
}

func TestAdmission_CancelledWaiterLeavesQueue(t *testing.T) {
	a := newAdmission(1, 2)
	holder, _ := a.enqueue()
	tk, err := a.enqueue()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.wait(ctx, tk), context.DeadlineExceeded)

	_, waiting := a.depth()
	assert.Equal(t, 0, waiting)

	a.release()
	_ = holder
	running, _ := a.depth()
	assert.Equal(t, 0, running, "slot returns to the pool when nobody waits")
}

func TestAdmission_GrantRacingCancellationPassesSlotOn(t *testing.T) {
	a := newAdmission(1, 2)
	_, _ = a.enqueue()
	tk, _ := a.enqueue()
	next, _ := a.enqueue()

	a.release() // grants tk
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// ready and ctx.Done are both closed; either branch must leave the
	// slot with next when tk gives up.
	if err := a.wait(ctx, tk); err == nil {
		a.release()
	}
	require.NoError(t, a.wait(context.Background(), next))
	running, _ := a.depth()
	assert.Equal(t, 1, running)
}

func TestHistory_EvictsOldestTerminal(t *testing.T) {
	h := NewHistory(2, 0)
	running := &Result{ID: "a", Status: StatusRunning}
	h.Put(running)
	h.Put(&Result{ID: "b", Status: StatusSuccess})
	h.Put(&Result{ID: "c", Status: StatusFailed})

	assert.Equal(t, 2, h.Len())
	_, err := h.Get("a")
	require.NoError(t, err, "running entries are never evicted")
	_, err = h.Get("b")
	assert.ErrorIs(t, err, ErrNotFound)

	list := h.List(0)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
}

func TestHistory_AgeEviction(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := NewHistory(10, time.Hour)
	h.now = func() time.Time { return now }

	old := now.Add(-2 * time.Hour)
	h.Put(&Result{ID: "old", Status: StatusSuccess, FinishedAt: &old})
	h.Put(&Result{ID: "queued", Status: StatusQueued})
	fresh := now
	h.Put(&Result{ID: "fresh", Status: StatusSuccess, FinishedAt: &fresh})

	_, err := h.Get("old")
	assert.ErrorIs(t, err, ErrNotFound)

	now = now.Add(90 * time.Minute)
	assert.Equal(t, 1, h.Prune())
	assert.Equal(t, 1, h.Len())
}

func TestHistory_ReturnsCopies(t *testing.T) {
	h := NewHistory(5, 0)
	r := &Result{ID: "x", Status: StatusRunning, Logs: []StepLog{{Step: StepClone}}}
	h.Put(r)
	r.Logs[0].Status = StepFailed

	got, err := h.Get("x")
	require.NoError(t, err)
	assert.Empty(t, got.Logs[0].Status)
	got.Status = StatusFailed

	again, _ := h.Get("x")
	assert.Equal(t, StatusRunning, again.Status)
}

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker()
	one, unsubOne := b.Subscribe("exec-1")
	all, unsubAll := b.Subscribe("")
	defer unsubAll()

	b.Publish(Event{Type: EventStatus, ExecutionID: "exec-1", Status: StatusRunning})
	b.Publish(Event{Type: EventStatus, ExecutionID: "exec-2", Status: StatusSuccess})

	assert.Len(t, one, 1)
	assert.Len(t, all, 2)
	ev := <-one
	assert.False(t, ev.Terminal())

	unsubOne()
	unsubOne()
	_, open := <-one
	assert.False(t, open)

	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(Event{ExecutionID: "exec-3"})
	}
	assert.Len(t, all, subscriberBuffer, "slow subscribers drop events")
}

func TestBroker_TerminalEventSurvivesFullBuffer(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("exec-1")
	defer unsub()

	for i := 0; i < subscriberBuffer; i++ {
		b.Publish(Event{Type: EventStep, ExecutionID: "exec-1", Status: StatusRunning})
	}
	b.Publish(Event{Type: EventStatus, ExecutionID: "exec-1", Status: StatusSuccess})

	require.Len(t, ch, subscriberBuffer)
	var last Event
	for len(ch) > 0 {
		last = <-ch
	}
	assert.True(t, last.Terminal())
	assert.Equal(t, StatusSuccess, last.Status)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("short", 10))
	assert.Equal(t, "...[truncated]\n6789", tail("0123456789", 4))
}
