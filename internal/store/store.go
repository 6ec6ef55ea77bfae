// Package store persists the single authenticated session of an app origin.
//
// Every backend writes the whole record (tokens, expiry and user) in one
// operation, so a reader never observes a half-updated session.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrCorrupt reports a persisted record that cannot be decoded.
var ErrCorrupt = errors.New("corrupt session record")

// User is the identity derived from the most recent access token.
type User struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Roles     []string `json:"roles"`
}

// Session is the persisted session record.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresAt is the access token expiry in epoch milliseconds.
	ExpiresAt int64 `json:"expires_at,string"`
	User      *User `json:"user,omitempty"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.User != nil {
		u := *s.User
		u.Roles = append([]string(nil), s.User.Roles...)
		c.User = &u
	}
	return &c
}

// Store is a durable home for one session.
type Store interface {
	// Load returns the persisted session, or nil when none exists.
	Load(ctx context.Context) (*Session, error)
	// Save replaces the persisted session.
	Save(ctx context.Context, s *Session) error
	// Clear removes the persisted session. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}

// OriginKey derives the per-origin key shared by all backends from an app base URL.
func OriginKey(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base url %q has no scheme or host", baseURL)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

func encode(s *Session) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil session")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return b, nil
}

func decode(b []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrCorrupt)
	}
	return &s, nil
}
