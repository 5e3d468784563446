package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/runbox/internal/execution"
)

type fakeSource struct {
	mu      sync.Mutex
	results map[string]*execution.Result
}

func (f *fakeSource) GetStatus(id string) (*execution.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	return r, nil
}

func newTestServer(t *testing.T, results ...*execution.Result) (*httptest.Server, *execution.Broker) {
	t.Helper()
	ts, broker, _ := newTestServerWithConfig(t, Config{}, results...)
	return ts, broker
}

func newTestServerWithConfig(t *testing.T, cfg Config, results ...*execution.Result) (*httptest.Server, *execution.Broker, *fakeSource) {
	t.Helper()
	src := &fakeSource{results: make(map[string]*execution.Result)}
	for _, r := range results {
		src.results[r.ID] = r
	}
	broker := execution.NewBroker()
	s := NewServer(src, broker, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux := http.NewServeMux()
	mux.Handle(DefaultPrefix, s.Handler())
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, broker, src
}

func dial(t *testing.T, ts *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + DefaultPrefix + id
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{subprotocol}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) execution.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev execution.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestStream_SnapshotThenEventsUntilTerminal(t *testing.T) {
	ts, broker := newTestServer(t, &execution.Result{ID: "exec-1", Status: execution.StatusRunning})
	conn := dial(t, ts, "exec-1")

	first := readEvent(t, conn)
	assert.Equal(t, execution.EventStatus, first.Type)
	assert.Equal(t, execution.StatusRunning, first.Status)

	broker.Publish(execution.Event{
		Type:        execution.EventStep,
		ExecutionID: "exec-1",
		Status:      execution.StatusRunning,
		Step:        &execution.StepLog{Step: execution.StepClone, Status: execution.StepSuccess},
	})
	broker.Publish(execution.Event{Type: execution.EventStatus, ExecutionID: "exec-1", Status: execution.StatusSuccess})
	// Events for other executions are not relayed.
	broker.Publish(execution.Event{Type: execution.EventStatus, ExecutionID: "exec-2", Status: execution.StatusFailed})

	step := readEvent(t, conn)
	require.NotNil(t, step.Step)
	assert.Equal(t, execution.StepClone, step.Step.Step)

	last := readEvent(t, conn)
	assert.Equal(t, execution.StatusSuccess, last.Status)
	assert.True(t, last.Terminal())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestStream_TerminalSnapshotClosesImmediately(t *testing.T) {
	ts, _ := newTestServer(t, &execution.Result{ID: "done", Status: execution.StatusFailed, Reason: "exit code 1"})
	conn := dial(t, ts, "done")

	ev := readEvent(t, conn)
	assert.Equal(t, execution.StatusFailed, ev.Status)
	assert.Equal(t, "exit code 1", ev.Reason)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestStream_UnknownExecution(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + DefaultPrefix + "missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStream_MissingID(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + DefaultPrefix)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Pattern(t *testing.T) {
	s := NewServer(&fakeSource{}, execution.NewBroker(), Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, "/ws/executions/{id}", s.Pattern())
}

func TestStream_RequiresAPIKey(t *testing.T) {
	ts, _, _ := newTestServerWithConfig(t, Config{APIKeys: map[string]string{"s3cret": "ci"}},
		&execution.Result{ID: "exec-1", Status: execution.StatusSuccess})

	resp, err := http.Get(ts.URL + DefaultPrefix + "exec-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(ts.URL + DefaultPrefix + "exec-1?token=wrong")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + DefaultPrefix + "exec-1"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer s3cret"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()
	assert.Equal(t, execution.StatusSuccess, readEvent(t, conn).Status)
}

func TestStream_ClosesOnTerminalStatusWithoutEvent(t *testing.T) {
	ts, _, src := newTestServerWithConfig(t, Config{PingInterval: 20 * time.Millisecond},
		&execution.Result{ID: "exec-1", Status: execution.StatusRunning})
	conn := dial(t, ts, "exec-1")
	assert.Equal(t, execution.StatusRunning, readEvent(t, conn).Status)

	src.mu.Lock()
	src.results["exec-1"] = &execution.Result{ID: "exec-1", Status: execution.StatusCancelled, Reason: "cancelled by caller"}
	src.mu.Unlock()

	last := readEvent(t, conn)
	assert.Equal(t, execution.StatusCancelled, last.Status)
	assert.Equal(t, "cancelled by caller", last.Reason)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}
