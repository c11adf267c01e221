package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"triplink/internal/api"
	"triplink/pkg/jwt"
)

// newTestBackend serves just enough of the auth surface for Manager tests.
// The handler map lets each test override individual endpoints.
func newTestBackend(t *testing.T, overrides map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	handle := func(path string, h http.HandlerFunc) {
		if _, ok := overrides[path]; ok {
			return
		}
		mux.HandleFunc(path, h)
	}
	handle("/api/auth/login/", func(w http.ResponseWriter, r *http.Request) {
		var in loginRequest
		json.NewDecoder(r.Body).Decode(&in)
		if in.Password != "correct-horse" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "No active account found with the given credentials"})
			return
		}
		role := RoleTraveler
		if in.Email == "agent@example.com" {
			role = RoleAgent
		}
		json.NewEncoder(w).Encode(loginResponse{
			Access:  "access-1",
			Refresh: "refresh-1",
			User:    User{ID: 7, Email: in.Email, Role: role},
		})
	})
	handle("/api/auth/logout/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handle("/api/auth/register/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": 8})
	})
	for path, h := range overrides {
		mux.HandleFunc(path, h)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, srv *httptest.Server, store SessionStore, opts ...ManagerOption) *Manager {
	t.Helper()
	opts = append([]ManagerOption{WithProactiveRefresh(0)}, opts...)
	m := NewManager(store, opts...)
	m.AttachPipeline(api.New(srv.URL, m, m))
	t.Cleanup(m.Close)
	return m
}

func TestLoginPersistsSession(t *testing.T) {
	srv := newTestBackend(t, nil)
	store := NewMemoryStore()
	m := newTestManager(t, srv, store)

	session, err := m.Login(context.Background(), "traveler@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.User.ID != 7 || session.Access != "access-1" {
		t.Errorf("unexpected session: %+v", session)
	}

	saved, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if saved == nil || saved.Refresh != "refresh-1" {
		t.Errorf("persisted session = %+v, want refresh-1", saved)
	}
}

func TestLoginRejectsNonTravelerRole(t *testing.T) {
	srv := newTestBackend(t, nil)
	store := NewMemoryStore()
	m := newTestManager(t, srv, store)

	_, err := m.Login(context.Background(), "agent@example.com", "correct-horse")
	if !errors.Is(err, ErrRoleNotAllowed) {
		t.Fatalf("err = %v, want ErrRoleNotAllowed", err)
	}
	if m.AccessToken() != "" {
		t.Error("tokens kept after rejected role")
	}
	if saved, _ := store.Load(); saved != nil {
		t.Error("rejected session was persisted")
	}
}

func TestLoginBadCredentials(t *testing.T) {
	srv := newTestBackend(t, nil)
	m := newTestManager(t, srv, NewMemoryStore())

	_, err := m.Login(context.Background(), "traveler@example.com", "wrong")
	if err == nil {
		t.Fatal("expected an error")
	}
	if err.Error() != "No active account found with the given credentials" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	srv := newTestBackend(t, nil)
	store := NewMemoryStore()
	store.Save(&Session{
		Access:  freshToken(t),
		Refresh: "refresh-1",
		User:    User{ID: 7, Email: "traveler@example.com", Role: RoleTraveler},
	})

	m := newTestManager(t, srv, store)
	session := m.Restore(context.Background())
	if session == nil {
		t.Fatal("Restore returned nil for a stored session")
	}
	if session.User.ID != 7 || m.AccessToken() == "" {
		t.Errorf("restored session = %+v", session)
	}
}

func TestRestoreEmptyStoreIsSignedOut(t *testing.T) {
	srv := newTestBackend(t, nil)
	m := newTestManager(t, srv, NewMemoryStore())

	if session := m.Restore(context.Background()); session != nil {
		t.Errorf("Restore = %+v, want nil", session)
	}
}

func TestRestoreRefreshesStaleAccessToken(t *testing.T) {
	refreshed := make(chan struct{}, 1)
	srv := newTestBackend(t, map[string]http.HandlerFunc{
		"/api/auth/refresh/": func(w http.ResponseWriter, r *http.Request) {
			refreshed <- struct{}{}
			json.NewEncoder(w).Encode(map[string]string{"access": "fresh"})
		},
	})

	store := NewMemoryStore()
	store.Save(&Session{
		Access:  expiredToken(t),
		Refresh: "refresh-1",
		User:    User{ID: 7, Role: RoleTraveler},
	})

	m := newTestManager(t, srv, store)
	if session := m.Restore(context.Background()); session == nil {
		t.Fatal("Restore returned nil")
	}

	select {
	case <-refreshed:
	default:
		t.Error("stale access token was not refreshed up front")
	}
	if m.AccessToken() != "fresh" {
		t.Errorf("access = %q, want fresh", m.AccessToken())
	}
}

func TestApplyRefreshedTokensKeepsOldRefresh(t *testing.T) {
	srv := newTestBackend(t, nil)
	m := newTestManager(t, srv, NewMemoryStore())
	if _, err := m.Login(context.Background(), "traveler@example.com", "correct-horse"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	m.ApplyRefreshedTokens(api.TokenPair{Access: "access-2"})
	if m.AccessToken() != "access-2" {
		t.Errorf("access = %q, want access-2", m.AccessToken())
	}
	if m.RefreshToken() != "refresh-1" {
		t.Errorf("refresh = %q, want the original refresh-1", m.RefreshToken())
	}

	m.ApplyRefreshedTokens(api.TokenPair{Access: "access-3", Refresh: "refresh-2"})
	if m.RefreshToken() != "refresh-2" {
		t.Errorf("refresh = %q, want rotated refresh-2", m.RefreshToken())
	}
}

func TestApplyRefreshedTokensAfterLogoutIsDropped(t *testing.T) {
	srv := newTestBackend(t, nil)
	m := newTestManager(t, srv, NewMemoryStore())

	m.ApplyRefreshedTokens(api.TokenPair{Access: "late-arrival"})
	if m.AccessToken() != "" {
		t.Error("refresh result installed on a signed-out manager")
	}
}

func TestInvalidateClearsEverythingAndFiresHook(t *testing.T) {
	srv := newTestBackend(t, nil)
	store := NewMemoryStore()
	signedOut := 0
	m := newTestManager(t, srv, store, WithSignedOutHook(func() { signedOut++ }))

	if _, err := m.Login(context.Background(), "traveler@example.com", "correct-horse"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	m.Invalidate()
	if m.Session() != nil || m.AccessToken() != "" {
		t.Error("session survived Invalidate")
	}
	if saved, _ := store.Load(); saved != nil {
		t.Error("persisted session survived Invalidate")
	}
	if signedOut != 1 {
		t.Errorf("signed-out hook fired %d times, want 1", signedOut)
	}

	// Invalidating while already signed out must not re-fire the hook.
	m.Invalidate()
	if signedOut != 1 {
		t.Errorf("signed-out hook fired %d times after double invalidate, want 1", signedOut)
	}
}

func TestRegisterRejectsWeakPasswordBeforeNetwork(t *testing.T) {
	srv := newTestBackend(t, map[string]http.HandlerFunc{
		"/api/auth/register/": func(w http.ResponseWriter, r *http.Request) {
			t.Error("weak password reached the network")
		},
	})
	m := newTestManager(t, srv, NewMemoryStore())

	err := m.Register(context.Background(), RegisterInput{Email: "a@b.c", Password: "123"})
	if kind, ok := api.KindOf(err); !ok || kind != api.KindValidation {
		t.Fatalf("error kind = %v, want KindValidation (err: %v)", kind, err)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")

	store, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}

	if loaded, err := store.Load(); err != nil || loaded != nil {
		t.Fatalf("fresh store Load = %+v, %v; want nil, nil", loaded, err)
	}

	want := &Session{Access: "a", Refresh: "r", User: User{ID: 9, Email: "x@y.z", Role: RoleTraveler}}
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	store.Close()

	// Reopen to prove the session survives a process restart.
	store, err = OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil || *loaded != *want {
		t.Errorf("Load = %+v, want %+v", loaded, want)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if loaded, _ := store.Load(); loaded != nil {
		t.Errorf("Load after Clear = %+v, want nil", loaded)
	}
}

func freshToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewSigner("test-secret", time.Hour, 24*time.Hour).AccessToken(7, RoleTraveler)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func expiredToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewSigner("test-secret", -time.Minute, 24*time.Hour).AccessToken(7, RoleTraveler)
	if err != nil {
		t.Fatal(err)
	}
	return token
}
