package chat

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"triplink/internal/api"
	"triplink/internal/devserver"
)

// testCreds serves a fixed access token to the pipeline. Refresh never
// happens in these tests; the tokens are minted long-lived.
type testCreds struct{ access string }

func (c *testCreds) AccessToken() string                { return c.access }
func (c *testCreds) RefreshToken() string               { return "" }
func (c *testCreds) ApplyRefreshedTokens(api.TokenPair) {}
func (c *testCreds) SessionExpired()                    {}

type chatFixture struct {
	srv      *devserver.Server
	http     *httptest.Server
	traveler *devserver.User
	agent    *devserver.User
	roomID   int64
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	srv, err := devserver.New(devserver.Options{Logger: discard()})
	if err != nil {
		t.Fatalf("devserver: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	traveler, err := srv.Store().CreateUser("traveler@example.com", "unused", "traveler", "Trav Eler")
	if err != nil {
		t.Fatal(err)
	}
	agent, err := srv.Store().CreateUser("agent@example.com", "unused", "agent", "A Gent")
	if err != nil {
		t.Fatal(err)
	}
	room, err := srv.Store().GetOrCreateRoom(traveler.ID, agent.ID)
	if err != nil {
		t.Fatal(err)
	}

	return &chatFixture{srv: srv, http: hs, traveler: traveler, agent: agent, roomID: room.ID}
}

func (f *chatFixture) serviceFor(t *testing.T, user *devserver.User) *Service {
	t.Helper()
	access, err := f.srv.Signer().AccessToken(user.ID, user.Role)
	if err != nil {
		t.Fatal(err)
	}
	creds := &testCreds{access: access}
	client := api.New(f.http.URL, creds, creds)
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http")
	return NewService(client, wsURL, creds.AccessToken, discard())
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRoomsListAndUnread(t *testing.T) {
	f := newChatFixture(t)
	if _, err := f.srv.Store().CreateMessage(f.roomID, f.agent.ID, "any plans?"); err != nil {
		t.Fatal(err)
	}

	svc := f.serviceFor(t, f.traveler)
	ctx := context.Background()

	rooms, err := svc.Rooms(ctx)
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("rooms = %d, want 1", len(rooms))
	}
	room := rooms[0]
	if room.OtherUserID != f.agent.ID || room.OtherUserName != "A Gent" {
		t.Errorf("other user = %d %q", room.OtherUserID, room.OtherUserName)
	}
	if room.LastMessage != "any plans?" || room.UnreadCount != 1 {
		t.Errorf("last = %q unread = %d", room.LastMessage, room.UnreadCount)
	}

	count, err := svc.UnreadCount(ctx)
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if count != 1 {
		t.Errorf("unread = %d, want 1", count)
	}
}

func TestCreateRoomIsIdempotent(t *testing.T) {
	f := newChatFixture(t)
	svc := f.serviceFor(t, f.traveler)

	room, err := svc.CreateRoom(context.Background(), f.agent.ID)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if room.ID != f.roomID {
		t.Errorf("CreateRoom returned a new room %d, want existing %d", room.ID, f.roomID)
	}
}

func TestOpenRoomMarksRead(t *testing.T) {
	f := newChatFixture(t)
	if _, err := f.srv.Store().CreateMessage(f.roomID, f.agent.ID, "unread until opened"); err != nil {
		t.Fatal(err)
	}

	svc := f.serviceFor(t, f.traveler)
	room := svc.OpenRoom(context.Background(), f.roomID, f.traveler.ID, RoomSessionConfig{
		DisableSocket: true,
		PollInterval:  time.Hour,
	})
	defer room.Close()

	waitFor(t, 2*time.Second, func() bool {
		n, _ := f.srv.Store().UnreadInRoom(f.roomID, f.traveler.ID)
		return n == 0
	}, "opening the room never marked it read")
}

func TestRestSendReconciles(t *testing.T) {
	f := newChatFixture(t)
	if _, err := f.srv.Store().CreateMessage(f.roomID, f.agent.ID, "hello"); err != nil {
		t.Fatal(err)
	}

	svc := f.serviceFor(t, f.traveler)
	room := svc.OpenRoom(context.Background(), f.roomID, f.traveler.ID, RoomSessionConfig{
		DisableSocket: true,
		PollInterval:  time.Hour,
	})
	defer room.Close()

	msgs := room.Messages()
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Fatalf("initial transcript = %v", msgs)
	}

	if restored, err := room.Send(context.Background(), "hi back"); err != nil {
		t.Fatalf("Send: %v (restored %q)", err, restored)
	}

	msgs = room.Messages()
	if len(msgs) != 2 {
		t.Fatalf("transcript = %d messages, want 2", len(msgs))
	}
	last := msgs[1]
	if last.Text != "hi back" || last.ID.IsTemp() {
		t.Errorf("last message = %+v, want the confirmed copy", last)
	}
	if last.SenderName != "Trav Eler" {
		t.Errorf("sender name = %q", last.SenderName)
	}
}

func TestPollPicksUpRemoteMessages(t *testing.T) {
	f := newChatFixture(t)
	svc := f.serviceFor(t, f.traveler)

	room := svc.OpenRoom(context.Background(), f.roomID, f.traveler.ID, RoomSessionConfig{
		DisableSocket: true,
		PollInterval:  30 * time.Millisecond,
	})
	defer room.Close()

	if _, err := f.srv.Store().CreateMessage(f.roomID, f.agent.ID, "while you were away"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		msgs := room.Messages()
		return len(msgs) == 1 && msgs[0].Text == "while you were away"
	}, "poll never surfaced the remote message")
}

func TestSocketPushDelivers(t *testing.T) {
	f := newChatFixture(t)
	travelerSvc := f.serviceFor(t, f.traveler)
	agentSvc := f.serviceFor(t, f.agent)

	var mu sync.Mutex
	var latest []Message
	room := travelerSvc.OpenRoom(context.Background(), f.roomID, f.traveler.ID, RoomSessionConfig{
		PollInterval: time.Hour, // push only; a poll would mask a broken socket
		OnUpdate: func(msgs []Message) {
			mu.Lock()
			latest = msgs
			mu.Unlock()
		},
	})
	defer room.Close()

	// The agent sends over REST; the server broadcasts to the traveler's
	// socket.
	if err := agentSvc.postMessage(context.Background(), f.roomID, "pushed to you"); err != nil {
		t.Fatalf("agent send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1 && latest[0].Text == "pushed to you" && latest[0].SenderID == f.agent.ID
	}, "push never arrived over the socket")
}

func TestSocketSendEchoReconciles(t *testing.T) {
	f := newChatFixture(t)
	svc := f.serviceFor(t, f.traveler)

	room := svc.OpenRoom(context.Background(), f.roomID, f.traveler.ID, RoomSessionConfig{
		PollInterval: time.Hour,
	})
	defer room.Close()

	if restored, err := room.Send(context.Background(), "over the wire"); err != nil {
		t.Fatalf("Send: %v (restored %q)", err, restored)
	}

	// The optimistic copy shows immediately.
	msgs := room.Messages()
	if len(msgs) != 1 || msgs[0].Text != "over the wire" {
		t.Fatalf("transcript after send = %v", msgs)
	}

	// The server echo replaces it with the confirmed copy.
	waitFor(t, 2*time.Second, func() bool {
		msgs := room.Messages()
		return len(msgs) == 1 && !msgs[0].ID.IsTemp()
	}, "socket echo never reconciled the optimistic send")
}

func TestSendFailureRollsBack(t *testing.T) {
	f := newChatFixture(t)
	svc := f.serviceFor(t, f.traveler)

	room := svc.OpenRoom(context.Background(), f.roomID, f.traveler.ID, RoomSessionConfig{
		DisableSocket: true,
		PollInterval:  time.Hour,
	})
	defer room.Close()

	// Shut the backend down so the REST send fails.
	f.http.Close()

	restored, err := room.Send(context.Background(), "lost in transit")
	if err == nil {
		t.Fatal("expected the send to fail")
	}
	if restored != "lost in transit" {
		t.Errorf("restored = %q, want the original text", restored)
	}
	if msgs := room.Messages(); len(msgs) != 0 {
		t.Errorf("transcript = %v, want the placeholder rolled back", msgs)
	}
}
