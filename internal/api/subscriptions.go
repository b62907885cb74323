package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/outpost/internal/syncengine"
	"github.com/hyperengineering/outpost/internal/types"
)

const (
	subscriptionWriteTimeout = 10 * time.Second
	subscriptionPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Subscribe handles GET /api/v1/models/{model}/subscriptions/{op}. The
// connection is upgraded to a WebSocket that carries one subscription: a
// start_ack frame, then a data frame per delivery, then complete or error.
// An error frame ends the subscription; envelope errors ride in data frames.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	schema := MustSchemaFromContext(r.Context())
	op := syncengine.SubscriptionType(chi.URLParam(r, "op"))
	if !validSubscriptionType(op) {
		WriteProblem(w, r, http.StatusNotFound, "Unknown subscription: "+string(op))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		slog.Warn("subscription upgrade failed", "component", "api", "error", err)
		return
	}

	// Drop the server's read deadline; the socket lives as long as the
	// subscription.
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sc := &subscriptionConn{
		conn: conn,
		id:   ulid.Make().String(),
		done: make(chan struct{}),
	}
	log := slog.With("component", "api", "subscription_id", sc.id, "model", schema.Name, "op", op)
	go sc.readLoop(cancel)

	sub, err := h.backend.Subscribe(ctx, schema.Name, op, syncengine.SubscriptionHandler{
		OnStart: func() {
			sc.send(types.SubscriptionMessage{Type: types.MessageStartAck})
		},
		OnNext: func(resp syncengine.Response) {
			sc.send(types.SubscriptionMessage{Type: types.MessageData, Payload: &resp})
		},
		OnError: func(err error) {
			sc.send(errorMessage(err))
			sc.finish()
		},
		OnComplete: func() {
			sc.send(types.SubscriptionMessage{Type: types.MessageComplete})
			sc.finish()
		},
	})
	if err != nil {
		log.Error("subscribe failed", "error", err)
		sc.send(errorMessage(err))
		sc.close()
		return
	}
	defer sub.Cancel()
	log.Info("subscription opened")

	ping := time.NewTicker(subscriptionPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-sc.done:
			log.Info("subscription finished")
			sc.close()
			return
		case <-ctx.Done():
			log.Info("subscription closed by client")
			sc.close()
			return
		case <-ping.C:
			sc.ping()
		}
	}
}

func validSubscriptionType(op syncengine.SubscriptionType) bool {
	for _, t := range syncengine.SubscriptionTypes {
		if t == op {
			return true
		}
	}
	return false
}

func errorMessage(err error) types.SubscriptionMessage {
	return types.SubscriptionMessage{
		Type:    types.MessageError,
		Payload: &syncengine.Response{Errors: []syncengine.GraphQLError{{Message: err.Error()}}},
	}
}

// subscriptionConn serializes writes to one subscription socket.
type subscriptionConn struct {
	conn *websocket.Conn
	id   string

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

func (s *subscriptionConn) send(msg types.SubscriptionMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(subscriptionWriteTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		slog.Debug("subscription write failed",
			"component", "api",
			"subscription_id", s.id,
			"error", err,
		)
	}
}

func (s *subscriptionConn) ping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(subscriptionWriteTimeout))
}

// finish marks the subscription as ended by the server side.
func (s *subscriptionConn) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *subscriptionConn) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(subscriptionWriteTimeout))
	_ = s.conn.Close()
}

// readLoop drains client frames so control frames are processed, and
// cancels the subscription once the client goes away.
func (s *subscriptionConn) readLoop(cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
