package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

var ErrSocketClosed = errors.New("socket closed")

// Socket is the live push channel for one room. It reconnects with capped
// exponential backoff when the connection drops; the room session keeps
// polling regardless, so a dead socket only costs latency.
type Socket struct {
	url      string
	tokenFn  func() string
	log      *slog.Logger
	messages chan Message

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// DialRoom connects to ws(s)://<host>/ws/chat/<roomID>/?token=<access>.
// tokenFn is consulted on every (re)connect so a rotated access token is
// picked up.
func DialRoom(ctx context.Context, wsBaseURL string, roomID int64, tokenFn func() string, log *slog.Logger) (*Socket, error) {
	s := &Socket{
		url:      fmt.Sprintf("%s/ws/chat/%d/", wsBaseURL, roomID),
		tokenFn:  tokenFn,
		log:      log,
		messages: make(chan Message, 64),
		done:     make(chan struct{}),
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.readLoop(runCtx)
	return s, nil
}

// Messages delivers decoded chat_message frames. The channel is closed when
// the socket shuts down for good.
func (s *Socket) Messages() <-chan Message {
	return s.messages
}

// Send writes a message frame. It fails rather than queueing when no
// connection is live; the caller falls back to REST.
func (s *Socket) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil {
		return ErrSocketClosed
	}
	return s.conn.WriteJSON(outboundFrame{Type: "message", Text: text})
}

func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	<-s.done
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	url := s.url + "?token=" + s.tokenFn()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}
	return conn, nil
}

func (s *Socket) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.messages)

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		for conn != nil {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					s.log.Debug("socket read failed", "error", err)
				}
				break
			}
			var frame inboundFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame.Type != "chat_message" {
				continue
			}
			select {
			case s.messages <- frame.Message:
			case <-ctx.Done():
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		conn = s.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (s *Socket) reconnect(ctx context.Context) *websocket.Conn {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 15 * time.Second
	policy.MaxElapsedTime = 0

	for {
		wait := policy.NextBackOff()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.log.Debug("socket reconnect failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conn = conn
		s.mu.Unlock()
		s.log.Debug("socket reconnected")
		return conn
	}
}
