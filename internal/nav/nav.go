// Package nav models navigation as an explicit state machine: a tagged
// union of screen states with typed parameters, and a router that gates
// authenticated screens and runs per-screen side effects. This replaces the
// mutable screen-name string the UI used to branch on.
package nav

import (
	"context"
	"log/slog"
	"sync"
)

// Screen is the sealed set of navigation states.
type Screen interface {
	screenName() string
	requiresAuth() bool
}

type public struct{ name string }

func (s public) screenName() string { return s.name }
func (s public) requiresAuth() bool { return false }

type private struct{ name string }

func (s private) screenName() string { return s.name }
func (s private) requiresAuth() bool { return true }

type (
	Onboarding   struct{ public }
	Login        struct{ public }
	Signup       struct{ public }
	Verification struct {
		public
		Email string
	}

	Home     struct{ private }
	Search   struct{ private }
	Schedule struct{ private }
	Messages struct{ private }
	Profile  struct{ private }

	Details struct {
		private
		PackageID int64
	}
	ChatDetail struct {
		private
		RoomID int64
	}
	EditProfile    struct{ private }
	CustomPackages struct{ private }

	CustomPackageDetail struct {
		private
		ID int64
	}
)

func NewOnboarding() Onboarding     { return Onboarding{public{"onboarding"}} }
func NewLogin() Login               { return Login{public{"login"}} }
func NewSignup() Signup             { return Signup{public{"signup"}} }
func NewVerification(email string) Verification {
	return Verification{public{"verification"}, email}
}
func NewHome() Home         { return Home{private{"home"}} }
func NewSearch() Search     { return Search{private{"search"}} }
func NewSchedule() Schedule { return Schedule{private{"schedule"}} }
func NewMessages() Messages { return Messages{private{"messages"}} }
func NewProfile() Profile   { return Profile{private{"profile"}} }
func NewDetails(packageID int64) Details {
	return Details{private{"details"}, packageID}
}
func NewChatDetail(roomID int64) ChatDetail {
	return ChatDetail{private{"chat_detail"}, roomID}
}
func NewEditProfile() EditProfile       { return EditProfile{private{"edit_profile"}} }
func NewCustomPackages() CustomPackages { return CustomPackages{private{"custom_packages"}} }
func NewCustomPackageDetail(id int64) CustomPackageDetail {
	return CustomPackageDetail{private{"custom_package_detail"}, id}
}

// Hooks are the router's side-effect bindings.
type Hooks struct {
	// SignedIn reports whether a live session exists.
	SignedIn func() bool
	// Preload runs after a successful transition, e.g. warming data for
	// the entered screen. Errors are the hook's own problem.
	Preload func(ctx context.Context, to Screen)
	// SignedOut runs when the router forces the login screen, so callers
	// can drop session-scoped caches.
	SignedOut func()
}

// Router holds the current screen and enforces the auth gate on
// transitions.
type Router struct {
	hooks Hooks
	log   *slog.Logger

	mu      sync.Mutex
	current Screen
}

func NewRouter(start Screen, hooks Hooks, log *slog.Logger) *Router {
	return &Router{hooks: hooks, log: log, current: start}
}

func (r *Router) Current() Screen {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Go transitions to the target screen. An authenticated screen without a
// live session routes to Login instead; the caller can retry after signing
// in.
func (r *Router) Go(ctx context.Context, to Screen) Screen {
	if to.requiresAuth() && (r.hooks.SignedIn == nil || !r.hooks.SignedIn()) {
		r.log.Debug("blocked transition to authed screen", "screen", to.screenName())
		to = NewLogin()
	}

	r.mu.Lock()
	r.current = to
	r.mu.Unlock()

	if r.hooks.Preload != nil {
		r.hooks.Preload(ctx, to)
	}
	r.log.Debug("navigated", "screen", to.screenName())
	return to
}

// ForceLogin routes to the login screen from any state and fires the
// signed-out hook. Used on logout and on terminal refresh failure.
func (r *Router) ForceLogin() {
	r.mu.Lock()
	r.current = NewLogin()
	r.mu.Unlock()

	if r.hooks.SignedOut != nil {
		r.hooks.SignedOut()
	}
	r.log.Info("forced back to login")
}
