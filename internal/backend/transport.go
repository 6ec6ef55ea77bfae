// Package backend calls the appointment API on behalf of the signed-in user.
package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/wadahiro/sessiongate/internal/protocol"
)

// TokenSource supplies the bearer token. *session.Engine implements it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// Transport adds the session's access token to outgoing requests. A 401
// answer triggers one refresh and one retry when the request can be replayed.
type Transport struct {
	Source TokenSource
	Base   http.RoundTripper
	Logger *slog.Logger
}

func (t *Transport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	token, err := t.Source.AccessToken(ctx)
	if err != nil {
		closeBody(req)
		return nil, fmt.Errorf("backend %s %s: %w", req.Method, req.URL.Path, err)
	}

	resp, err := t.base().RoundTrip(authorize(req, token))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if !shouldRetry(req, resp) {
		return resp, nil
	}

	if err := t.Source.Refresh(ctx); err != nil {
		t.logger().Debug("Backend token refresh failed", "path", req.URL.Path, "error", err)
		return resp, nil
	}
	token, err = t.Source.AccessToken(ctx)
	if err != nil {
		return resp, nil
	}

	retry := authorize(req, token)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	t.logger().Debug("Retrying backend request with a refreshed token", "method", req.Method, "path", req.URL.Path)
	return t.base().RoundTrip(retry)
}

// shouldRetry reports whether a 401 is worth one refresh: the body must be
// replayable and any Bearer challenge must name the token as the problem.
func shouldRetry(req *http.Request, resp *http.Response) bool {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return false
	}
	if c, ok := protocol.ParseBearerChallenge(resp.Header.Get("WWW-Authenticate")); ok && c.Error != "" {
		return c.InvalidToken()
	}
	return true
}

// authorize returns a copy of req carrying token. The caller's request is
// never modified.
func authorize(req *http.Request, token string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

// NewClient returns an HTTP client whose requests carry the session's token.
// A nil base uses http.DefaultTransport.
func NewClient(src TokenSource, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &Transport{Source: src, Base: base}}
}
