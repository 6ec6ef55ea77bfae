// Package session owns the authenticated session: it establishes it from a
// provider grant, persists it, refreshes it before expiry and destroys it on
// logout or failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wadahiro/sessiongate/internal/access"
	"github.com/wadahiro/sessiongate/internal/idp"
	"github.com/wadahiro/sessiongate/internal/protocol"
	"github.com/wadahiro/sessiongate/internal/store"
	"github.com/wadahiro/sessiongate/internal/telemetry"
)

// ErrNotAuthenticated reports an operation that needs a session when there is none.
var ErrNotAuthenticated = errors.New("not authenticated")

// Provider is the identity provider surface used by the engine.
// *idp.Client implements it.
type Provider interface {
	BeginAuthorization(flow idp.FlowState) string
	ExchangeCode(ctx context.Context, flow idp.FlowState, code, state string) (*idp.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*idp.TokenSet, error)
	PasswordLogin(ctx context.Context, username, password string) (*idp.TokenSet, error)
	LogoutURL(postLogoutRedirect string) string
}

// Options configures an Engine.
type Options struct {
	Store    store.Store
	Provider Provider
	Policy   *access.Policy
	// ClientID selects the client-scoped roles in resource_access.
	ClientID string
	// Skew is how long before expiry a token stops counting as valid. Default 60s.
	Skew time.Duration
	// RefreshInterval is the longest the scheduler sleeps. Default 5m.
	RefreshInterval time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// Engine is the single owner of the in-memory session. Everything else
// observes it through the read methods.
type Engine struct {
	store    store.Store
	provider Provider
	policy   *access.Policy
	clientID string
	skew     time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.RWMutex
	state   State
	session *store.Session
	notice  Notice

	ready     chan struct{}
	readyOnce sync.Once
	refreshes singleflight.Group

	schedCancel context.CancelFunc
	schedDone   chan struct{}
}

// New creates an engine in the Uninitialized state.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("identity provider is required")
	}
	if opts.Policy == nil {
		p, err := access.NewPolicy(access.Default())
		if err != nil {
			return nil, err
		}
		opts.Policy = p
	}
	if opts.Skew <= 0 {
		opts.Skew = 60 * time.Second
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:    opts.Store,
		provider: opts.Provider,
		policy:   opts.Policy,
		clientID: opts.ClientID,
		skew:     opts.Skew,
		interval: opts.RefreshInterval,
		now:      opts.Now,
		logger:   opts.Logger,
		ready:    make(chan struct{}),
	}, nil
}

// Start restores the persisted session. It runs once; later calls return nil.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != Uninitialized {
		e.mu.Unlock()
		return nil
	}
	e.state = Loading
	e.mu.Unlock()
	defer e.readyOnce.Do(func() { close(e.ready) })

	sess, err := e.store.Load(ctx)
	switch {
	case errors.Is(err, store.ErrCorrupt):
		e.logger.Warn("Discarding corrupt session record", "error", err)
		e.destroy(ctx, "")
		return nil
	case err != nil:
		e.setAnonymous()
		return fmt.Errorf("load session: %w", err)
	case sess == nil:
		e.setAnonymous()
		return nil
	}

	if e.valid(sess) {
		// The stored user is only a cache of the token's claims.
		u := e.userFromToken(sess.AccessToken)
		if u == nil {
			e.logger.Warn("Discarding session without identity")
			e.destroy(ctx, "")
			return nil
		}
		sess.User = u
		e.mu.Lock()
		e.session = sess
		e.state = Authenticated
		e.startSchedulerLocked()
		e.mu.Unlock()
		e.logger.Info("Session restored", "user", sess.User.Email)
		return nil
	}

	if sess.RefreshToken == "" {
		e.destroy(ctx, "")
		return nil
	}
	e.mu.Lock()
	e.session = sess
	e.mu.Unlock()
	if err := e.Refresh(ctx); err != nil {
		if errors.Is(err, idp.ErrNetwork) {
			// Keep the record so the next start can retry.
			e.setAnonymous()
		}
		e.logger.Warn("Stored session could not be refreshed", "error", err)
	}
	return nil
}

// Ready is closed once Start has finished loading.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// IsLoading reports whether the persisted session is still being restored.
func (e *Engine) IsLoading() bool {
	s := e.State()
	return s == Uninitialized || s == Loading
}

// IsAuthenticated reports whether an access token is held that stays valid
// beyond the skew margin.
func (e *Engine) IsAuthenticated() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.valid(e.session)
}

// User returns a copy of the current user, or nil when unauthenticated.
func (e *Engine) User() *store.User {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.valid(e.session) || e.session.User == nil {
		return nil
	}
	return e.session.Clone().User
}

// Roles returns the current user's roles.
func (e *Engine) Roles() []string {
	if u := e.User(); u != nil {
		return u.Roles
	}
	return nil
}

// HasRole reports, case-insensitively, whether the current user holds role.
func (e *Engine) HasRole(role string) bool {
	for _, r := range e.Roles() {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// ExpiresAt returns the access token expiry, or the zero time without a session.
func (e *Engine) ExpiresAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return time.Time{}
	}
	return time.UnixMilli(e.session.ExpiresAt)
}

// Policy returns the route access policy.
func (e *Engine) Policy() *access.Policy {
	return e.policy
}

// CanAccess reports whether the current user may view location.
func (e *Engine) CanAccess(location string) bool {
	return e.policy.CanAccess(location, e.Roles())
}

// RedirectPath returns where a navigation to location must go instead, or "".
func (e *Engine) RedirectPath(location string) string {
	return e.policy.RedirectPath(location, e.Roles(), e.IsAuthenticated())
}

// HomeRoute returns the current user's landing location.
func (e *Engine) HomeRoute() string {
	return e.policy.HomeRoute(e.Roles())
}

// TakeNotice returns and clears the pending notice.
func (e *Engine) TakeNotice() Notice {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.notice
	e.notice = ""
	return n
}

// BeginLogin starts the redirect login and returns the provider URL.
func (e *Engine) BeginLogin(flow idp.FlowState) string {
	return e.provider.BeginAuthorization(flow)
}

// CompleteLogin finishes the redirect login from the callback parameters.
// A state mismatch destroys any existing session.
func (e *Engine) CompleteLogin(ctx context.Context, flow idp.FlowState, code, state string) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "session.CompleteLogin")
	defer func() { telemetry.Finish(span, err) }()

	tokens, err := e.provider.ExchangeCode(context.WithoutCancel(ctx), flow, code, state)
	if err != nil {
		if errors.Is(err, idp.ErrStateMismatch) {
			e.logger.Warn("Login callback state mismatch")
			e.destroy(ctx, "")
		}
		return err
	}
	return e.establish(ctx, tokens)
}

// LoginWithPassword performs the direct credential login.
func (e *Engine) LoginWithPassword(ctx context.Context, username, password string) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "session.LoginWithPassword")
	defer func() { telemetry.Finish(span, err) }()

	tokens, err := e.provider.PasswordLogin(context.WithoutCancel(ctx), username, password)
	if err != nil {
		return err
	}
	return e.establish(ctx, tokens)
}

// Logout destroys the session and returns the provider end-session URL. It is
// safe to call without a session.
func (e *Engine) Logout(ctx context.Context, postLogoutRedirect string) string {
	e.destroy(ctx, "")
	e.logger.Info("Logged out")
	return e.provider.LogoutURL(postLogoutRedirect)
}

// Refresh redeems the refresh token. Concurrent callers share one provider
// call, which completes even if the caller's context is cancelled.
func (e *Engine) Refresh(ctx context.Context) error {
	ch := e.refreshes.DoChan("refresh", func() (any, error) {
		return nil, e.refreshOnce(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureFresh refreshes when the token is within the skew margin.
func (e *Engine) EnsureFresh(ctx context.Context) error {
	e.mu.RLock()
	sess := e.session
	ok := e.valid(sess)
	e.mu.RUnlock()
	if sess == nil {
		return ErrNotAuthenticated
	}
	if ok {
		return nil
	}
	return e.Refresh(ctx)
}

// AccessToken returns a valid access token, refreshing first if needed.
func (e *Engine) AccessToken(ctx context.Context) (string, error) {
	if err := e.EnsureFresh(ctx); err != nil {
		return "", err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return "", ErrNotAuthenticated
	}
	return e.session.AccessToken, nil
}

// Close stops the refresh scheduler.
func (e *Engine) Close() {
	e.mu.Lock()
	done := e.schedDone
	e.stopSchedulerLocked()
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Engine) refreshOnce(ctx context.Context) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "session.Refresh")
	defer func() { telemetry.Finish(span, err) }()

	e.mu.Lock()
	prev := e.session
	if prev == nil {
		e.mu.Unlock()
		return ErrNotAuthenticated
	}
	if prev.RefreshToken == "" {
		// Nothing to redeem: the session ends with its access token.
		e.destroyLocked(ctx, NoticeSessionExpired)
		e.mu.Unlock()
		e.logger.Info("Session expired without a refresh token")
		return ErrNotAuthenticated
	}
	if e.state == Authenticated {
		e.state = Refreshing
	}
	e.mu.Unlock()

	tokens, err := e.provider.Refresh(ctx, prev.RefreshToken)
	if err == nil {
		var next *store.Session
		next, err = e.sessionFrom(tokens, prev.RefreshToken)
		if err == nil {
			return e.commit(ctx, prev, next)
		}
	}

	if errors.Is(err, idp.ErrNetwork) {
		e.mu.Lock()
		if e.session == prev && e.state == Refreshing {
			e.state = Authenticated
		}
		e.mu.Unlock()
		return err
	}
	e.logger.Warn("Refresh failed, ending session", "error", err)
	e.destroyIf(ctx, prev, NoticeSessionExpired)
	return err
}

// commit persists and publishes next unless the session changed meanwhile.
func (e *Engine) commit(ctx context.Context, prev, next *store.Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != prev {
		if e.session == nil {
			return ErrNotAuthenticated
		}
		return nil
	}
	if err := e.store.Save(ctx, next); err != nil {
		e.logger.Error("Failed to persist refreshed session", "error", err)
	}
	e.session = next
	e.state = Authenticated
	e.startSchedulerLocked()
	e.logger.Debug("Session refreshed", "expires_at", time.UnixMilli(next.ExpiresAt).UTC())
	return nil
}

func (e *Engine) establish(ctx context.Context, tokens *idp.TokenSet) error {
	next, err := e.sessionFrom(tokens, "")
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Save(context.WithoutCancel(ctx), next); err != nil {
		e.logger.Error("Failed to persist session", "error", err)
	}
	e.session = next
	e.state = Authenticated
	e.notice = ""
	e.startSchedulerLocked()
	e.logger.Info("Logged in", "user", next.User.Email, "roles", next.User.Roles)
	return nil
}

func (e *Engine) destroy(ctx context.Context, notice Notice) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyLocked(ctx, notice)
}

// destroyIf destroys the session only if it is still prev.
func (e *Engine) destroyIf(ctx context.Context, prev *store.Session, notice Notice) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != prev {
		return
	}
	e.destroyLocked(ctx, notice)
}

func (e *Engine) destroyLocked(ctx context.Context, notice Notice) {
	e.stopSchedulerLocked()
	if err := e.store.Clear(context.WithoutCancel(ctx)); err != nil {
		e.logger.Error("Failed to clear session store", "error", err)
	}
	e.session = nil
	e.state = Anonymous
	if notice != "" {
		e.notice = notice
	}
}

func (e *Engine) setAnonymous() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = nil
	e.state = Anonymous
}

func (e *Engine) valid(s *store.Session) bool {
	return s != nil && s.AccessToken != "" && s.ExpiresAt > e.now().Add(e.skew).UnixMilli()
}

// sessionFrom builds a session from a token response. keepRefresh is used
// when the provider does not rotate the refresh token.
func (e *Engine) sessionFrom(tokens *idp.TokenSet, keepRefresh string) (*store.Session, error) {
	claims := protocol.DecodeClaims(tokens.AccessToken)
	if claims.Empty() {
		return nil, protocol.ErrMalformedToken
	}
	var expiresAt int64
	switch {
	case tokens.ExpiresIn > 0:
		expiresAt = e.now().Add(time.Duration(tokens.ExpiresIn) * time.Second).UnixMilli()
	default:
		exp, ok := claims["exp"].(float64)
		if !ok {
			return nil, fmt.Errorf("%w: no expiry", protocol.ErrMalformedToken)
		}
		expiresAt = int64(exp * 1000)
	}
	refresh := tokens.RefreshToken
	if refresh == "" {
		refresh = keepRefresh
	}
	return &store.Session{
		AccessToken:  tokens.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		User:         userFromClaims(claims, e.clientID),
	}, nil
}

func (e *Engine) userFromToken(token string) *store.User {
	claims := protocol.DecodeClaims(token)
	if claims.Empty() {
		return nil
	}
	return userFromClaims(claims, e.clientID)
}

func userFromClaims(claims protocol.Claims, clientID string) *store.User {
	email := claims.String("email")
	if email == "" {
		email = claims.String("preferred_username")
	}
	return &store.User{
		ID:        claims.String("sub"),
		Email:     email,
		FirstName: claims.String("given_name"),
		LastName:  claims.String("family_name"),
		Roles:     protocol.RolesFromClaims(claims, clientID),
	}
}
