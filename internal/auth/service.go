package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	passwordvalidator "github.com/wagslane/go-password-validator"

	"triplink/internal/api"
	"triplink/pkg/jwt"
)

const (
	loginEndpoint    = "/api/auth/login/"
	registerEndpoint = "/api/auth/register/"
	logoutEndpoint   = "/api/auth/logout/"

	// minPasswordEntropy gates registration before the network round trip.
	minPasswordEntropy = 60
)

var (
	ErrRoleNotAllowed = errors.New("this app is for travelers only")
	ErrNotSignedIn    = errors.New("not signed in")
)

// Manager owns the live session: it persists and restores it, serves tokens
// to the request pipeline, and installs refreshed pairs. It implements
// api.Credentials and api.RefreshHandler.
type Manager struct {
	store SessionStore
	log   *slog.Logger

	client *api.Client

	refreshEvery time.Duration

	// preload runs best-effort after login/restore to warm user-scoped
	// data. Failures are never surfaced.
	preload func(ctx context.Context, session Session)
	// onSignedOut fires on logout and on terminal refresh failure so the
	// app can route back to the login screen and drop cached data.
	onSignedOut func()

	mu      sync.RWMutex
	session *Session

	loopMu     sync.Mutex
	cancelLoop context.CancelFunc
}

type ManagerOption func(*Manager)

func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

func WithProactiveRefresh(every time.Duration) ManagerOption {
	return func(m *Manager) { m.refreshEvery = every }
}

func WithPreload(fn func(ctx context.Context, session Session)) ManagerOption {
	return func(m *Manager) { m.preload = fn }
}

func WithSignedOutHook(fn func()) ManagerOption {
	return func(m *Manager) { m.onSignedOut = fn }
}

func NewManager(store SessionStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:        store,
		log:          slog.Default(),
		refreshEvery: 25 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AttachPipeline breaks the construction cycle: the pipeline needs the
// Manager as its credential source, and the Manager needs the pipeline for
// auth endpoints.
func (m *Manager) AttachPipeline(client *api.Client) {
	m.client = client
}

func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.Access
}

func (m *Manager) RefreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.Refresh
}

// Session returns a copy of the live session, or nil when signed out.
func (m *Manager) Session() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	copied := *m.session
	return &copied
}

// Restore loads the persisted session at process start. Any load or parse
// failure degrades to signed-out, never to an error.
func (m *Manager) Restore(ctx context.Context) *Session {
	session, err := m.store.Load()
	if err != nil {
		m.log.Warn("failed to restore session", "error", err)
		return nil
	}
	if session == nil || session.Access == "" {
		return nil
	}

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	if exp, err := jwt.PeekExpiry(session.Access); err == nil && time.Now().After(exp) && session.Refresh != "" {
		// The stored access token is already stale; refresh up front so
		// the first request does not eat a 401 round trip. Best effort:
		// the reactive path covers a failure here.
		if err := m.client.Refresh(ctx); err != nil {
			m.log.Warn("startup refresh failed", "error", err)
		}
	}

	m.startRefreshLoop()

	if m.preload != nil {
		go m.preload(context.Background(), *session)
	}

	m.log.Info("session restored", "user_id", session.User.ID)
	return m.Session()
}

// Login exchanges credentials for a session. Logins by non-traveler roles
// are rejected and their tokens discarded without persisting.
func (m *Manager) Login(ctx context.Context, email, password string) (*Session, error) {
	resp, err := m.client.Do(ctx, http.MethodPost, loginEndpoint, loginRequest{Email: email, Password: password}, false)
	if err != nil {
		return nil, err
	}

	var body loginResponse
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}

	if body.User.Role != RoleTraveler {
		m.log.Warn("login rejected for role", "role", body.User.Role)
		return nil, ErrRoleNotAllowed
	}

	session := &Session{Access: body.Access, Refresh: body.Refresh, User: body.User}

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	if err := m.store.Save(session); err != nil {
		m.log.Warn("failed to persist session", "error", err)
	}

	m.startRefreshLoop()

	if m.preload != nil {
		go m.preload(context.Background(), *session)
	}

	m.log.Info("logged in", "user_id", session.User.ID)
	return m.Session(), nil
}

// Register creates an account. The password strength gate runs before the
// network call so weak passwords fail fast.
func (m *Manager) Register(ctx context.Context, in RegisterInput) error {
	if err := passwordvalidator.Validate(in.Password, minPasswordEntropy); err != nil {
		return &api.Error{Kind: api.KindValidation, Message: err.Error(), Err: err}
	}
	if in.Role == "" {
		in.Role = RoleTraveler
	}
	_, err := m.client.Do(ctx, http.MethodPost, registerEndpoint, in, false)
	return err
}

// ApplyRefreshedTokens atomically installs a refreshed pair. A concurrent
// logout may have cleared the session; in that case the pair is dropped. An
// empty refresh keeps the old refresh token, never clears it.
func (m *Manager) ApplyRefreshedTokens(pair api.TokenPair) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	m.session.Access = pair.Access
	if pair.Refresh != "" {
		m.session.Refresh = pair.Refresh
	}
	copied := *m.session
	m.mu.Unlock()

	if err := m.store.Save(&copied); err != nil {
		m.log.Warn("failed to persist refreshed session", "error", err)
	}
}

// SessionExpired handles terminal authorization loss: the session is wiped
// and the app routed back to login.
func (m *Manager) SessionExpired() {
	m.log.Info("session expired, forcing logout")
	m.Invalidate()
}

// Logout best-efforts server-side termination, then invalidates locally.
func (m *Manager) Logout(ctx context.Context) {
	if m.AccessToken() != "" {
		if _, err := m.client.Do(ctx, http.MethodPost, logoutEndpoint, nil, true); err != nil {
			m.log.Debug("server-side logout failed", "error", err)
		}
	}
	m.Invalidate()
}

// Invalidate clears the in-memory session and the persisted copy.
func (m *Manager) Invalidate() {
	m.stopRefreshLoop()

	m.mu.Lock()
	wasSignedIn := m.session != nil
	m.session = nil
	m.mu.Unlock()

	if err := m.store.Clear(); err != nil {
		m.log.Warn("failed to clear persisted session", "error", err)
	}
	if wasSignedIn && m.onSignedOut != nil {
		m.onSignedOut()
	}
}

// Close stops background work. The session itself is left intact.
func (m *Manager) Close() {
	m.stopRefreshLoop()
}

// startRefreshLoop refreshes the access token every refreshEvery while a
// refresh token exists, staying ahead of the server-side access lifetime.
// Failures are swallowed: the next real request refreshes reactively.
func (m *Manager) startRefreshLoop() {
	if m.refreshEvery <= 0 {
		return
	}
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancelLoop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelLoop = cancel

	go func() {
		ticker := time.NewTicker(m.refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.RefreshToken() == "" {
					continue
				}
				if err := m.client.Refresh(ctx); err != nil {
					m.log.Warn("proactive refresh failed", "error", err)
				}
			}
		}
	}()
}

func (m *Manager) stopRefreshLoop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancelLoop != nil {
		m.cancelLoop()
		m.cancelLoop = nil
	}
}
