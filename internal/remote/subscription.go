package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/outpost/internal/syncengine"
	"github.com/hyperengineering/outpost/internal/types"
)

// Subscribe opens a WebSocket subscription. Callbacks run on one goroutine
// per subscription and none starts after Cancel.
func (c *Client) Subscribe(ctx context.Context, modelName string, op syncengine.SubscriptionType, h syncengine.SubscriptionHandler) (syncengine.Cancelable, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + modelPath(modelName) + "/subscriptions/" + string(op)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, statusError(resp)
			}
		}
		return nil, fmt.Errorf("dial subscription: %w", err)
	}

	s := &subscription{
		conn:  conn,
		h:     h,
		done:  make(chan struct{}),
		model: modelName,
		op:    op,
	}
	go s.run()
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.done:
		}
	}()
	return s, nil
}

type subscription struct {
	conn  *websocket.Conn
	h     syncengine.SubscriptionHandler
	done  chan struct{}
	model string
	op    syncengine.SubscriptionType

	canceled atomic.Bool
	once     sync.Once
}

// Cancel closes the socket. It is safe to call from a callback.
func (s *subscription) Cancel() {
	s.canceled.Store(true)
	s.close()
}

func (s *subscription) close() {
	s.once.Do(func() {
		_ = s.conn.Close()
	})
}

// deliver runs fn unless the subscription was canceled.
func (s *subscription) deliver(fn func()) {
	if s.canceled.Load() {
		return
	}
	fn()
}

func (s *subscription) run() {
	defer close(s.done)
	defer s.close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("%w: %w", syncengine.ErrSubscriptionFailed, err))
			return
		}
		msg, err := types.DecodeSubscriptionMessage(data)
		if err != nil {
			slog.Warn("dropping malformed subscription frame",
				"component", "remote",
				"model", s.model,
				"op", string(s.op),
				"error", err,
			)
			continue
		}

		switch msg.Type {
		case types.MessageStartAck:
			if s.h.OnStart != nil {
				s.deliver(s.h.OnStart)
			}
		case types.MessageData:
			if s.h.OnNext != nil {
				resp := *msg.Payload
				s.deliver(func() { s.h.OnNext(resp) })
			}
		case types.MessageError:
			err := msg.Payload.Err()
			if msg.Payload.Unauthorized() {
				err = fmt.Errorf("%w: %w", syncengine.ErrUnauthorized, err)
			}
			s.fail(fmt.Errorf("%w: %w", syncengine.ErrSubscriptionFailed, err))
			return
		case types.MessageComplete:
			if s.h.OnComplete != nil {
				s.deliver(s.h.OnComplete)
			}
			s.Cancel()
			return
		}
	}
}

func (s *subscription) fail(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
		// Closed without a complete frame.
		err = fmt.Errorf("%w: closed by remote", syncengine.ErrSubscriptionFailed)
	}
	if s.h.OnError != nil {
		s.deliver(func() { s.h.OnError(err) })
	}
	s.Cancel()
}
