package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"triplink/internal/api"
)

const (
	roomsEndpoint       = "/api/auth/chat/rooms/"
	unreadEndpoint      = "/api/auth/chat/unread-count/"
	defaultPollInterval = 2 * time.Second
)

// Service is the REST side of chat: room listing, unread counts, and the
// entry point for opening a live room session.
type Service struct {
	api       *api.Client
	wsBaseURL string
	tokenFn   func() string
	log       *slog.Logger
}

func NewService(client *api.Client, wsBaseURL string, tokenFn func() string, log *slog.Logger) *Service {
	return &Service{api: client, wsBaseURL: wsBaseURL, tokenFn: tokenFn, log: log}
}

func (s *Service) Rooms(ctx context.Context) ([]Room, error) {
	resp, err := s.api.Do(ctx, http.MethodGet, roomsEndpoint, nil, true)
	if err != nil {
		return nil, err
	}
	var rooms []Room
	if err := resp.Decode(&rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// CreateRoom opens (or returns the existing) room with another user.
func (s *Service) CreateRoom(ctx context.Context, otherUserID int64) (*Room, error) {
	body := map[string]int64{"other_user_id": otherUserID}
	resp, err := s.api.Do(ctx, http.MethodPost, roomsEndpoint, body, true)
	if err != nil {
		return nil, err
	}
	room := &Room{}
	if err := resp.Decode(room); err != nil {
		return nil, err
	}
	return room, nil
}

func (s *Service) UnreadCount(ctx context.Context) (int, error) {
	resp, err := s.api.Do(ctx, http.MethodGet, unreadEndpoint, nil, true)
	if err != nil {
		return 0, err
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := resp.Decode(&body); err != nil {
		return 0, err
	}
	return body.Count, nil
}

// Poll runs fn on a fixed interval until ctx is cancelled. Errors inside fn
// are the caller's to swallow; this mirrors the screen-level pollers which
// prefer stale data over interrupting the user.
func Poll(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// RoomSessionConfig tunes an open room. Zero values take defaults.
type RoomSessionConfig struct {
	PollInterval time.Duration
	// DisableSocket forces polling-only mode.
	DisableSocket bool
	// OnUpdate is invoked with a fresh snapshot after every transcript
	// change. Called from background goroutines.
	OnUpdate func(msgs []Message)
}

// RoomSession is one open chat room: transcript, optional live socket, and
// the background poll. All timers die with Close.
type RoomSession struct {
	svc    *Service
	roomID int64

	mu     sync.Mutex
	tr     *Transcript
	loaded bool

	sock     *Socket
	onUpdate func([]Message)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenRoom wires up one room: fire-and-forget mark-read, initial history
// load, socket dial (best effort), and the background poll. A failed initial
// load degrades to an empty transcript rather than an error; a failed dial
// degrades to polling-only.
func (s *Service) OpenRoom(ctx context.Context, roomID, localUserID int64, cfg RoomSessionConfig) *RoomSession {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	rs := &RoomSession{
		svc:      s,
		roomID:   roomID,
		tr:       NewTranscript(localUserID),
		onUpdate: cfg.OnUpdate,
	}

	go func() {
		if err := s.markRead(context.Background(), roomID); err != nil {
			s.log.Debug("mark-read failed", "room_id", roomID, "error", err)
		}
	}()

	if history, err := s.fetchHistory(ctx, roomID); err != nil {
		s.log.Warn("initial history load failed", "room_id", roomID, "error", err)
	} else {
		rs.mu.Lock()
		rs.tr.ReplaceFromHistory(history)
		rs.mu.Unlock()
	}
	// Either way the room is no longer loading; polling may begin.
	rs.mu.Lock()
	rs.loaded = true
	rs.mu.Unlock()
	rs.notify()

	runCtx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel

	if !cfg.DisableSocket {
		sock, err := DialRoom(ctx, s.wsBaseURL, roomID, s.tokenFn, s.log)
		if err != nil {
			s.log.Warn("socket dial failed, polling only", "room_id", roomID, "error", err)
		} else {
			rs.sock = sock
			rs.wg.Add(1)
			go rs.pushLoop()
		}
	}

	rs.wg.Add(1)
	go func() {
		defer rs.wg.Done()
		Poll(runCtx, cfg.PollInterval, rs.pollOnce)
	}()

	return rs
}

// Messages returns the current transcript snapshot.
func (rs *RoomSession) Messages() []Message {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.tr.Messages()
}

// Send performs an optimistic send. The temporary message is appended
// immediately; over a live socket, reconciliation happens on the push path.
// Without a socket the message goes over REST, followed by an immediate
// re-fetch. On failure the placeholder is removed and the original text
// returned so the caller can restore the input.
func (rs *RoomSession) Send(ctx context.Context, text string) (restored string, err error) {
	now := time.Now()
	msg := Message{
		ID:        NewTempID(now),
		Text:      text,
		SenderID:  rs.tr.localUserID,
		CreatedAt: now,
	}

	rs.mu.Lock()
	pending := rs.tr.AppendOptimistic(msg)
	rs.mu.Unlock()
	rs.notify()

	if rs.sock != nil {
		if err := rs.sock.Send(text); err == nil {
			return "", nil
		}
		// The socket just died; fall through to REST so the send is not
		// lost while the reconnect backoff runs.
	}

	if err := rs.svc.postMessage(ctx, rs.roomID, text); err != nil {
		rs.mu.Lock()
		restored, _ := rs.tr.Rollback(pending.Handle)
		rs.mu.Unlock()
		rs.notify()
		return restored, err
	}

	rs.mu.Lock()
	rs.tr.Resolve(pending.Handle)
	rs.mu.Unlock()

	// Absorb the authoritative copy right away instead of waiting out a
	// poll tick.
	rs.pollOnce(ctx)
	return "", nil
}

// Close stops the poll, the push intake, and the socket, deterministically.
func (rs *RoomSession) Close() {
	rs.cancel()
	if rs.sock != nil {
		rs.sock.Close()
	}
	rs.wg.Wait()
}

func (rs *RoomSession) pushLoop() {
	defer rs.wg.Done()
	for msg := range rs.sock.Messages() {
		rs.mu.Lock()
		applied := rs.tr.ApplyPush(msg)
		rs.mu.Unlock()
		if applied {
			rs.notify()
		}
	}
}

func (rs *RoomSession) pollOnce(ctx context.Context) {
	rs.mu.Lock()
	loaded := rs.loaded
	rs.mu.Unlock()
	if !loaded {
		return
	}

	history, err := rs.svc.fetchHistory(ctx, rs.roomID)
	if err != nil {
		// Stale-but-valid beats interrupting the user.
		rs.svc.log.Debug("room poll failed", "room_id", rs.roomID, "error", err)
		return
	}

	rs.mu.Lock()
	rs.tr.MergePoll(history)
	rs.mu.Unlock()
	rs.notify()
}

func (rs *RoomSession) notify() {
	if rs.onUpdate == nil {
		return
	}
	rs.onUpdate(rs.Messages())
}

func (s *Service) fetchHistory(ctx context.Context, roomID int64) ([]Message, error) {
	endpoint := fmt.Sprintf("%s%d/messages/", roomsEndpoint, roomID)
	resp, err := s.api.Do(ctx, http.MethodGet, endpoint, nil, true)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := resp.Decode(&msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Service) postMessage(ctx context.Context, roomID int64, text string) error {
	endpoint := fmt.Sprintf("%s%d/messages/", roomsEndpoint, roomID)
	_, err := s.api.Do(ctx, http.MethodPost, endpoint, map[string]string{"text": text}, true)
	return err
}

func (s *Service) markRead(ctx context.Context, roomID int64) error {
	endpoint := fmt.Sprintf("%s%d/mark-read/", roomsEndpoint, roomID)
	_, err := s.api.Do(ctx, http.MethodPost, endpoint, nil, true)
	return err
}
