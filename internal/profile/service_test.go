package profile

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"triplink/internal/api"
	"triplink/internal/devserver"
)

type staticCreds struct{ access string }

func (c *staticCreds) AccessToken() string                { return c.access }
func (c *staticCreds) RefreshToken() string               { return "" }
func (c *staticCreds) ApplyRefreshedTokens(api.TokenPair) {}
func (c *staticCreds) SessionExpired()                    {}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newProfileFixture(t *testing.T) *Service {
	t.Helper()

	quiet := slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	srv, err := devserver.New(devserver.Options{Logger: quiet})
	if err != nil {
		t.Fatalf("devserver: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	user, err := srv.Store().CreateUser("traveler@example.com", "unused", "traveler", "Trav Eler")
	if err != nil {
		t.Fatal(err)
	}
	access, err := srv.Signer().AccessToken(user.ID, user.Role)
	if err != nil {
		t.Fatal(err)
	}
	creds := &staticCreds{access: access}
	return NewService(api.New(hs.URL, creds, creds))
}

func TestGetAndCache(t *testing.T) {
	svc := newProfileFixture(t)

	if svc.Cached() != nil {
		t.Error("cache populated before first fetch")
	}

	p, err := svc.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Email != "traveler@example.com" || p.FullName != "Trav Eler" {
		t.Errorf("profile = %+v", p)
	}

	cached := svc.Cached()
	if cached == nil || cached.Email != p.Email {
		t.Errorf("cached = %+v", cached)
	}

	svc.Reset()
	if svc.Cached() != nil {
		t.Error("cache survived Reset")
	}
}

func TestUpdate(t *testing.T) {
	svc := newProfileFixture(t)
	ctx := context.Background()

	p, err := svc.Update(ctx, Update{FullName: "New Name", PhoneNumber: "+6281234"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if p.FullName != "New Name" || p.PhoneNumber != "+6281234" {
		t.Errorf("profile = %+v", p)
	}

	// Partial update leaves the other field alone.
	p, err = svc.Update(ctx, Update{FullName: "Renamed Again"})
	if err != nil {
		t.Fatalf("partial Update: %v", err)
	}
	if p.PhoneNumber != "+6281234" {
		t.Errorf("phone = %q after partial update, want unchanged", p.PhoneNumber)
	}
}

func TestUpdateWithAvatar(t *testing.T) {
	svc := newProfileFixture(t)

	p, err := svc.UpdateWithAvatar(context.Background(),
		Update{FullName: "Pictured"},
		"me.png", strings.NewReader("fake png bytes"))
	if err != nil {
		t.Fatalf("UpdateWithAvatar: %v", err)
	}
	if p.FullName != "Pictured" {
		t.Errorf("full name = %q", p.FullName)
	}
	if !strings.Contains(p.Avatar, "me.png") {
		t.Errorf("avatar = %q, want the uploaded filename", p.Avatar)
	}
}
