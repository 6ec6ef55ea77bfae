// Package idp talks to a Keycloak-style OpenID Connect provider: it builds
// authorization URLs and performs code, refresh and password grants.
package idp

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/wadahiro/sessiongate/internal/config"
	"github.com/wadahiro/sessiongate/internal/protocol"
	"github.com/wadahiro/sessiongate/internal/volatile"
)

// FlowState is the per-tab scratch space holding PKCE exchange state.
// *volatile.Tab implements it.
type FlowState interface {
	Set(key, value string)
	Take(key string) (string, bool)
}

// TokenSet is a successful token endpoint response.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	IDToken      string
	// ExpiresIn is the access token lifetime in seconds, 0 when not reported.
	ExpiresIn int64
}

// Endpoints are the provider URLs used by the client.
type Endpoints struct {
	Auth       string
	Token      string
	EndSession string
}

// KeycloakEndpoints derives the fixed Keycloak endpoint layout from the realm issuer.
func KeycloakEndpoints(issuer string) Endpoints {
	base := strings.TrimRight(issuer, "/") + "/protocol/openid-connect"
	return Endpoints{
		Auth:       base + "/auth",
		Token:      base + "/token",
		EndSession: base + "/logout",
	}
}

// Client is an OAuth2 public (or confidential) client of one realm.
type Client struct {
	cfg        config.ProviderConfig
	oauth      *oauth2.Config
	endpoints  Endpoints
	httpClient *http.Client
	logger     *slog.Logger
}

// Options configures New.
type Options struct {
	Provider    config.ProviderConfig
	RedirectURI string
	HTTPClient  *http.Client
	Logger      *slog.Logger
	// DiscoveryAttempts bounds discovery retries; 0 means 5.
	DiscoveryAttempts int
	DiscoveryDelay    time.Duration
}

// New creates a client. With discovery enabled it resolves the endpoints
// from the provider metadata, retrying while the provider starts up.
func New(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	httpClient := &http.Client{
		Transport:     newTracingTransport(base.Transport, logger),
		Timeout:       base.Timeout,
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
	}

	cfg := opts.Provider
	endpoints := KeycloakEndpoints(cfg.Issuer())
	if cfg.Discovery {
		var err error
		endpoints, err = discover(ctx, httpClient, cfg, opts, logger)
		if err != nil {
			return nil, err
		}
	}

	authStyle := oauth2.AuthStyleAutoDetect
	if cfg.ClientSecret == "" {
		authStyle = oauth2.AuthStyleInParams
	}

	return &Client{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  opts.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   endpoints.Auth,
				TokenURL:  endpoints.Token,
				AuthStyle: authStyle,
			},
		},
		endpoints:  endpoints,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func discover(ctx context.Context, httpClient *http.Client, cfg config.ProviderConfig, opts Options, logger *slog.Logger) (Endpoints, error) {
	attempts := opts.DiscoveryAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := opts.DiscoveryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	dctx := oidcContext(ctx, httpClient)
	var (
		provider *gooidc.Provider
		err      error
	)
	for i := range attempts {
		provider, err = gooidc.NewProvider(dctx, cfg.Issuer())
		if err == nil {
			break
		}
		logger.Warn("Provider discovery failed", "attempt", i+1, "max_attempts", attempts, "issuer", cfg.Issuer(), "error", err)
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return Endpoints{}, fmt.Errorf("discover provider: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	if err != nil {
		return Endpoints{}, fmt.Errorf("discover provider %s: %w", cfg.Issuer(), err)
	}

	var providerClaims struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&providerClaims); err != nil {
		logger.Warn("Could not extract provider claims", "error", err)
	}

	ep := provider.Endpoint()
	endpoints := Endpoints{Auth: ep.AuthURL, Token: ep.TokenURL, EndSession: providerClaims.EndSessionEndpoint}
	if endpoints.EndSession == "" {
		endpoints.EndSession = KeycloakEndpoints(cfg.Issuer()).EndSession
	}
	logger.Info("Provider discovered", "issuer", cfg.Issuer())
	return endpoints, nil
}

// Endpoints returns the resolved provider endpoints.
func (c *Client) Endpoints() Endpoints {
	return c.endpoints
}

// BeginAuthorization stores a fresh code verifier and CSRF state in flow and
// returns the authorization URL the user agent must be sent to.
func (c *Client) BeginAuthorization(flow FlowState) string {
	verifier := protocol.NewVerifier()
	state := protocol.NewVerifier()
	flow.Set(volatile.KeyCodeVerifier, verifier)
	flow.Set(volatile.KeyAuthState, state)
	return c.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// ExchangeCode trades an authorization code for tokens. The stored state and
// verifier are consumed before validation, so a callback can be used once.
func (c *Client) ExchangeCode(ctx context.Context, flow FlowState, code, state string) (*TokenSet, error) {
	const op = "exchange"
	storedState, hasState := flow.Take(volatile.KeyAuthState)
	verifier, hasVerifier := flow.Take(volatile.KeyCodeVerifier)

	if !hasState || storedState == "" || subtle.ConstantTimeCompare([]byte(storedState), []byte(state)) != 1 {
		return nil, newError(op, ErrStateMismatch)
	}
	if !hasVerifier || verifier == "" {
		return nil, newError(op, ErrMissingVerifier)
	}
	if code == "" {
		e := newError(op, ErrTokenExchangeFailed)
		e.Code, e.Description = "invalid_request", "missing authorization code"
		return nil, e
	}

	tok, err := c.oauth.Exchange(c.context(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, classify(op, err, ErrTokenExchangeFailed)
	}
	c.logger.Debug("Authorization code exchanged")
	return tokenSet(tok), nil
}

// Refresh redeems a refresh token. A refresh token is never retried.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	const op = "refresh"
	if refreshToken == "" {
		return nil, newError(op, ErrRefreshFailed)
	}
	ts := c.oauth.TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, classify(op, err, ErrRefreshFailed)
	}
	c.logger.Debug("Tokens refreshed")
	return tokenSet(tok), nil
}

// PasswordLogin performs the direct credential grant.
func (c *Client) PasswordLogin(ctx context.Context, username, password string) (*TokenSet, error) {
	const op = "password"
	tok, err := c.oauth.PasswordCredentialsToken(c.context(ctx), username, password)
	if err != nil {
		return nil, classify(op, err, ErrTokenExchangeFailed)
	}
	return tokenSet(tok), nil
}

// LogoutURL returns the provider end-session URL that redirects back to
// postLogoutRedirect.
func (c *Client) LogoutURL(postLogoutRedirect string) string {
	q := url.Values{}
	if postLogoutRedirect != "" {
		q.Set("redirect_uri", postLogoutRedirect)
	}
	q.Set("client_id", c.cfg.ClientID)
	sep := "?"
	if strings.Contains(c.endpoints.EndSession, "?") {
		sep = "&"
	}
	return c.endpoints.EndSession + sep + q.Encode()
}

func (c *Client) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func oidcContext(ctx context.Context, httpClient *http.Client) context.Context {
	return gooidc.ClientContext(ctx, httpClient)
}

func tokenSet(tok *oauth2.Token) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
	}
	if ts.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		ts.ExpiresIn = int64(math.Round(time.Until(tok.Expiry).Seconds()))
	}
	if s, ok := tok.Extra("scope").(string); ok {
		ts.Scope = s
	}
	if s, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = s
	}
	return ts
}
