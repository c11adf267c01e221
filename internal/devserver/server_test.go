package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"triplink/internal/api"
	"triplink/internal/auth"
	"triplink/internal/profile"
	"triplink/pkg/jwt"
)

const testSecret = "test-secret"

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newFixture(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(Options{Secret: testSecret, Logger: quiet()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, hs
}

// TestRegisterLoginProfileRoundTrip drives the real client stack against the
// fixture: bcrypt registration, login, bearer-authenticated profile fetch.
func TestRegisterLoginProfileRoundTrip(t *testing.T) {
	_, hs := newFixture(t)
	ctx := context.Background()

	m := auth.NewManager(auth.NewMemoryStore(),
		auth.WithLogger(quiet()),
		auth.WithProactiveRefresh(0),
	)
	client := api.New(hs.URL, m, m, api.WithLogger(quiet()))
	m.AttachPipeline(client)
	defer m.Close()

	err := m.Register(ctx, auth.RegisterInput{
		Email:    "new@example.com",
		Password: "correct horse battery staple",
		FullName: "New Traveler",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Duplicate registration surfaces as a field error.
	err = m.Register(ctx, auth.RegisterInput{
		Email:    "new@example.com",
		Password: "correct horse battery staple",
	})
	if kind, ok := api.KindOf(err); !ok || kind != api.KindValidation {
		t.Fatalf("duplicate register: kind = %v, want KindValidation (err: %v)", kind, err)
	}

	session, err := m.Login(ctx, "new@example.com", "correct horse battery staple")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.User.Email != "new@example.com" || session.User.Role != auth.RoleTraveler {
		t.Errorf("session user = %+v", session.User)
	}

	p, err := profile.NewService(client).Get(ctx)
	if err != nil {
		t.Fatalf("profile Get: %v", err)
	}
	if p.FullName != "New Traveler" {
		t.Errorf("profile = %+v", p)
	}
}

// TestRestoredStaleSessionRefreshesTransparently is the cold-start scenario:
// the persisted access token has expired while the app was closed, the
// refresh token has not. The first authenticated call must succeed without
// the caller seeing any 401.
func TestRestoredStaleSessionRefreshesTransparently(t *testing.T) {
	srv, hs := newFixture(t)
	ctx := context.Background()

	user, err := srv.Store().CreateUser("sleeper@example.com", "unused", "traveler", "Sleeper")
	if err != nil {
		t.Fatal(err)
	}

	expiredAccess, err := jwt.NewSigner(testSecret, -time.Minute, time.Hour).AccessToken(user.ID, user.Role)
	if err != nil {
		t.Fatal(err)
	}
	refresh, err := srv.Signer().RefreshToken(user.ID, user.Role)
	if err != nil {
		t.Fatal(err)
	}

	store := auth.NewMemoryStore()
	store.Save(&auth.Session{
		Access:  expiredAccess,
		Refresh: refresh,
		User:    auth.User{ID: user.ID, Email: user.Email, Role: user.Role},
	})

	m := auth.NewManager(store, auth.WithLogger(quiet()), auth.WithProactiveRefresh(0))
	client := api.New(hs.URL, m, m, api.WithLogger(quiet()))
	m.AttachPipeline(client)
	defer m.Close()

	if session := m.Restore(ctx); session == nil {
		t.Fatal("Restore returned nil")
	}
	if m.AccessToken() == expiredAccess {
		t.Error("stale access token not replaced during restore")
	}

	p, err := profile.NewService(client).Get(ctx)
	if err != nil {
		t.Fatalf("profile Get after restore: %v", err)
	}
	if p.Email != "sleeper@example.com" {
		t.Errorf("profile = %+v", p)
	}

	// The refreshed session must have been re-persisted.
	saved, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if saved.Access == expiredAccess {
		t.Error("persisted session still carries the expired access token")
	}
	if saved.Refresh != refresh {
		t.Error("refresh token changed although the server does not rotate it")
	}
}

func TestLoginRejectsAgentAccounts(t *testing.T) {
	_, hs := newFixture(t)

	m := auth.NewManager(auth.NewMemoryStore(), auth.WithLogger(quiet()), auth.WithProactiveRefresh(0))
	m.AttachPipeline(api.New(hs.URL, m, m, api.WithLogger(quiet())))
	defer m.Close()

	if err := m.Register(context.Background(), auth.RegisterInput{
		Email:    "agent@example.com",
		Password: "correct horse battery staple",
		Role:     "agent",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := m.Login(context.Background(), "agent@example.com", "correct horse battery staple")
	if !errors.Is(err, auth.ErrRoleNotAllowed) {
		t.Fatalf("err = %v, want ErrRoleNotAllowed", err)
	}
}

func wsDial(t *testing.T, hs *httptest.Server, roomID int64, token string) (int, bool) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("%s/ws/chat/%d/?token=%s", url, roomID, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		return 0, false
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("read error is %T (%v), want close error", err, err)
	}
	return closeErr.Code, true
}

func TestSocketRejectsBadTokenWith4001(t *testing.T) {
	srv, hs := newFixture(t)
	user, _ := srv.Store().CreateUser("t@example.com", "unused", "traveler", "T")
	agent, _ := srv.Store().CreateUser("a@example.com", "unused", "agent", "A")
	room, _ := srv.Store().GetOrCreateRoom(user.ID, agent.ID)

	code, closed := wsDial(t, hs, room.ID, "not-a-token")
	if !closed || code != 4001 {
		t.Errorf("close code = %d (closed=%v), want 4001", code, closed)
	}
}

func TestSocketRejectsNonMemberWith4003(t *testing.T) {
	srv, hs := newFixture(t)
	user, _ := srv.Store().CreateUser("t@example.com", "unused", "traveler", "T")
	agent, _ := srv.Store().CreateUser("a@example.com", "unused", "agent", "A")
	outsider, _ := srv.Store().CreateUser("o@example.com", "unused", "traveler", "O")
	room, _ := srv.Store().GetOrCreateRoom(user.ID, agent.ID)

	token, err := srv.Signer().AccessToken(outsider.ID, outsider.Role)
	if err != nil {
		t.Fatal(err)
	}
	code, closed := wsDial(t, hs, room.ID, token)
	if !closed || code != 4003 {
		t.Errorf("close code = %d (closed=%v), want 4003", code, closed)
	}
}

func TestSocketRejectsRefreshTokenAsCredential(t *testing.T) {
	srv, hs := newFixture(t)
	user, _ := srv.Store().CreateUser("t@example.com", "unused", "traveler", "T")
	agent, _ := srv.Store().CreateUser("a@example.com", "unused", "agent", "A")
	room, _ := srv.Store().GetOrCreateRoom(user.ID, agent.ID)

	refresh, err := srv.Signer().RefreshToken(user.ID, user.Role)
	if err != nil {
		t.Fatal(err)
	}
	code, closed := wsDial(t, hs, room.ID, refresh)
	if !closed || code != 4001 {
		t.Errorf("close code = %d (closed=%v), want 4001", code, closed)
	}
}
