// Package ws streams execution progress over WebSocket. A client connects to
// /ws/executions/{id}, receives the execution's current status, then every
// step and status event until the execution reaches a terminal status.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/runbox/internal/execution"
)

// DefaultPrefix is the path under which the stream handler is mounted.
const DefaultPrefix = "/ws/executions/"

const (
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 10 * time.Second
	subprotocol         = "runbox-events-v1"
)

// StatusSource resolves the current record of an execution.
type StatusSource interface {
	GetStatus(id string) (*execution.Result, error)
}

// Config configures the event stream server.
type Config struct {
	Prefix         string        // Default: "/ws/executions/".
	OriginPatterns []string      // Cross-origin hosts allowed to connect. Empty = same origin only.
	PingInterval   time.Duration // 0 = 30s.

	// APIKeys maps accepted keys to client names. Empty = no authentication.
	// The key comes from the token query parameter or a bearer header.
	APIKeys map[string]string
}

// Server upgrades requests to WebSocket and relays broker events.
type Server struct {
	source StatusSource
	broker *execution.Broker
	cfg    Config
	logger *slog.Logger
}

// NewServer creates an event stream server.
func NewServer(source StatusSource, broker *execution.Broker, cfg Config, logger *slog.Logger) *Server {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Server{source: source, broker: broker, cfg: cfg, logger: logger}
}

// Pattern returns the route pattern the handler expects to be mounted on.
func (s *Server) Pattern() string {
	return strings.TrimSuffix(s.cfg.Prefix, "/") + "/{id}"
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, s.cfg.Prefix)
	if id == "" || id == r.URL.Path || strings.Contains(id, "/") {
		http.Error(w, "execution id required", http.StatusBadRequest)
		return
	}
	if s.broker == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}

	// Subscribe before reading the snapshot so no transition falls between them.
	events, unsubscribe := s.broker.Subscribe(id)
	defer unsubscribe()

	snapshot, err := s.source.GetStatus(id)
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			http.Error(w, "execution not found", http.StatusNotFound)
			return
		}
		http.Error(w, "status lookup failed", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{subprotocol},
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.stream(r.Context(), conn, snapshot, events)
}

func (s *Server) authorized(r *http.Request) bool {
	if len(s.cfg.APIKeys) == 0 {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return false
	}
	ok := false
	for key := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, snapshot *execution.Result, events <-chan execution.Event) {
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx = conn.CloseRead(ctx)

	first := execution.Event{
		Type:        execution.EventStatus,
		ExecutionID: snapshot.ID,
		Status:      snapshot.Status,
		Reason:      snapshot.Reason,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.writeEvent(ctx, conn, first); err != nil || first.Terminal() {
		return
	}

	s.logger.Debug("execution stream opened", slog.String("execution_id", snapshot.ID))

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				s.logger.Debug("execution stream ping failed",
					slog.String("execution_id", snapshot.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			// Catch a terminal transition the broker could not deliver.
			if cur, err := s.source.GetStatus(snapshot.ID); err == nil && cur.Status.IsTerminal() {
				_ = s.writeEvent(ctx, conn, execution.Event{
					Type:        execution.EventStatus,
					ExecutionID: cur.ID,
					Status:      cur.Status,
					Reason:      cur.Reason,
					Timestamp:   time.Now().UTC(),
				})
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug("execution stream write failed",
					slog.String("execution_id", snapshot.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev execution.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
