// Package guard puts the session engine in front of the app's pages: it
// serves the login, callback and logout endpoints and decides for every page
// request whether to render, wait or redirect.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wadahiro/sessiongate/internal/access"
	"github.com/wadahiro/sessiongate/internal/config"
	"github.com/wadahiro/sessiongate/internal/idp"
	"github.com/wadahiro/sessiongate/internal/session"
	"github.com/wadahiro/sessiongate/internal/store"
	"github.com/wadahiro/sessiongate/internal/volatile"
)

// Auth is the session surface the guard observes and drives.
// *session.Engine implements it.
type Auth interface {
	Ready() <-chan struct{}
	IsLoading() bool
	IsAuthenticated() bool
	User() *store.User
	Roles() []string
	HasRole(role string) bool
	CanAccess(location string) bool
	HomeRoute() string
	ExpiresAt() time.Time
	Policy() *access.Policy
	EnsureFresh(ctx context.Context) error
	BeginLogin(flow idp.FlowState) string
	CompleteLogin(ctx context.Context, flow idp.FlowState, code, state string) error
	LoginWithPassword(ctx context.Context, username, password string) error
	Logout(ctx context.Context, postLogoutRedirect string) string
	TakeNotice() session.Notice
}

// Options configures a Handler.
type Options struct {
	Auth          Auth
	Tabs          *volatile.Store
	AppName       string
	LoginMode     string
	CallbackPath  string
	PostLoginPath string
	// PostLogoutURL is the absolute URL the provider returns to after logout.
	PostLogoutURL string
	WaitTimeout   time.Duration
	Logger        *slog.Logger
}

// Handler serves the auth endpoints and guards pages.
type Handler struct {
	auth          Auth
	tabs          *volatile.Store
	appName       string
	loginMode     string
	callbackPath  string
	postLoginPath string
	postLogoutURL string
	waitTimeout   time.Duration
	logger        *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(opts Options) *Handler {
	if opts.Tabs == nil {
		opts.Tabs = volatile.NewStore(5 * time.Minute)
	}
	if opts.AppName == "" {
		opts.AppName = "Appointment Scheduler"
	}
	if opts.LoginMode == "" {
		opts.LoginMode = config.LoginModeRedirect
	}
	if opts.CallbackPath == "" {
		opts.CallbackPath = "/auth/callback"
	}
	if opts.PostLoginPath == "" {
		opts.PostLoginPath = "/dashboard"
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		auth:          opts.Auth,
		tabs:          opts.Tabs,
		appName:       opts.AppName,
		loginMode:     opts.LoginMode,
		callbackPath:  opts.CallbackPath,
		postLoginPath: opts.PostLoginPath,
		postLogoutURL: opts.PostLogoutURL,
		waitTimeout:   opts.WaitTimeout,
		logger:        opts.Logger,
	}
}

// RegisterRoutes registers the auth endpoints and the guarded pages on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /login", h.Guard(http.HandlerFunc(h.handleLoginPage)))
	if h.loginMode == config.LoginModePassword {
		mux.HandleFunc("POST /login", h.handlePasswordLogin)
	}
	mux.HandleFunc("GET /auth/login", h.handleBeginLogin)
	mux.HandleFunc("GET "+h.callbackPath, h.handleCallback)
	mux.HandleFunc("/logout", h.handleLogout)
	mux.Handle("GET /unauthorized", h.Guard(http.HandlerFunc(h.handleUnauthorized)))
	mux.HandleFunc("GET /session", h.handleSession)
	mux.Handle("/", h.Guard(http.HandlerFunc(h.handlePage)))
}

// Action is what the guard does with a request.
type Action int

const (
	Render Action = iota
	Redirect
)

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	Target string
	// Remember is set when the requested location should be restored after login.
	Remember bool
}

// Decide maps a navigation to location onto an action. It never redirects to
// location itself.
func Decide(policy *access.Policy, location string, roles []string, authenticated bool) Decision {
	target := policy.RedirectPath(location, roles, authenticated)
	if target == "" || target == location {
		return Decision{Action: Render}
	}
	return Decision{
		Action:   Redirect,
		Target:   target,
		Remember: !authenticated && target == policy.LoginPath() && !policy.IsAuthOnly(location),
	}
}

// Guard wraps next so that it only runs when the current session may view
// the requested location.
func (h *Handler) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.waitReady(r.Context()) {
			h.renderWaiting(w, r)
			return
		}

		if err := h.auth.EnsureFresh(r.Context()); err != nil && !errors.Is(err, session.ErrNotAuthenticated) {
			h.logger.Debug("Session could not be refreshed", "path", r.URL.Path, "error", err)
		}

		d := Decide(h.auth.Policy(), r.URL.Path, h.auth.Roles(), h.auth.IsAuthenticated())
		if d.Action == Render {
			next.ServeHTTP(w, r)
			return
		}
		if d.Remember {
			h.tab(w, r).Set(volatile.KeyRedirectPath, r.URL.RequestURI())
		}
		h.logger.Debug("Guard redirect", "path", r.URL.Path, "target", d.Target)
		http.Redirect(w, r, d.Target, http.StatusFound)
	})
}

// waitReady blocks until the session is restored, the wait timeout passes or
// the request goes away.
func (h *Handler) waitReady(ctx context.Context) bool {
	ready := h.auth.Ready()
	select {
	case <-ready:
		return true
	default:
	}
	timer := time.NewTimer(h.waitTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// safeRedirect keeps only same-origin absolute paths.
func safeRedirect(p string) (string, bool) {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return "", false
	}
	return p, true
}
