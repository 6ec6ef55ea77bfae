package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/wadahiro/sessiongate/internal/idp"
	"github.com/wadahiro/sessiongate/internal/session"
)

type fakeSource struct {
	mu         sync.Mutex
	token      string
	next       string
	refreshErr error
	tokenErr   error
	refreshes  int
}

func (f *fakeSource) AccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	if f.token == "" {
		return "", session.ErrNotAuthenticated
	}
	return f.token, nil
}

func (f *fakeSource) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.token = f.next
	return nil
}

// api accepts only the "fresh" token and echoes the request body.
type api struct {
	mu    sync.Mutex
	calls int
	// challenge is sent with every 401.
	challenge string
	bodies    []string
}

func (a *api) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	a.mu.Lock()
	a.calls++
	a.bodies = append(a.bodies, string(body))
	a.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer fresh" {
		if a.challenge != "" {
			w.Header().Set("WWW-Authenticate", a.challenge)
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path, "cookie": r.Header.Get("Cookie")})
}

func TestTransportAddsBearer(t *testing.T) {
	a := &api{}
	srv := httptest.NewServer(a)
	defer srv.Close()

	src := &fakeSource{token: "fresh"}
	resp, err := NewClient(src, nil).Get(srv.URL + "/appointments")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if src.refreshes != 0 {
		t.Errorf("refreshes = %d, want 0", src.refreshes)
	}
}

func TestTransportRefreshesOn401(t *testing.T) {
	tests := []struct {
		name          string
		challenge     string
		refreshErr    error
		wantStatus    int
		wantRefreshes int
		wantCalls     int
	}{
		{"plain 401", "", nil, http.StatusOK, 1, 2},
		{"invalid_token challenge", `Bearer error="invalid_token", error_description="expired"`, nil, http.StatusOK, 1, 2},
		{"challenge without error", `Bearer realm="api"`, nil, http.StatusOK, 1, 2},
		{"insufficient_scope", `Bearer error="insufficient_scope"`, nil, http.StatusUnauthorized, 0, 1},
		{"refresh fails", "", errors.New("revoked"), http.StatusUnauthorized, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &api{challenge: tt.challenge}
			srv := httptest.NewServer(a)
			defer srv.Close()

			src := &fakeSource{token: "stale", next: "fresh", refreshErr: tt.refreshErr}
			resp, err := NewClient(src, nil).Get(srv.URL + "/appointments")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if src.refreshes != tt.wantRefreshes {
				t.Errorf("refreshes = %d, want %d", src.refreshes, tt.wantRefreshes)
			}
			if a.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", a.calls, tt.wantCalls)
			}
		})
	}
}

func TestTransportRetriesOnce(t *testing.T) {
	a := &api{}
	srv := httptest.NewServer(a)
	defer srv.Close()

	// The refreshed token is rejected too.
	src := &fakeSource{token: "stale", next: "still-stale"}
	resp, err := NewClient(src, nil).Get(srv.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if src.refreshes != 1 || a.calls != 2 {
		t.Errorf("refreshes = %d, calls = %d, want 1 and 2", src.refreshes, a.calls)
	}
}

func TestTransportReplaysBody(t *testing.T) {
	a := &api{}
	srv := httptest.NewServer(a)
	defer srv.Close()

	src := &fakeSource{token: "stale", next: "fresh"}
	resp, err := NewClient(src, nil).Post(srv.URL+"/appointments", "application/json", strings.NewReader(`{"slot":"09:00"}`))
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(a.bodies) != 2 || a.bodies[0] != a.bodies[1] {
		t.Errorf("bodies = %q, want the same body twice", a.bodies)
	}
}

func TestTransportSkipsUnreplayableBody(t *testing.T) {
	a := &api{}
	srv := httptest.NewServer(a)
	defer srv.Close()

	src := &fakeSource{token: "stale", next: "fresh"}
	req, err := http.NewRequest(http.MethodPost, srv.URL, io.NopCloser(strings.NewReader("once")))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := NewClient(src, nil).Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if src.refreshes != 0 {
		t.Errorf("refreshes = %d, want 0", src.refreshes)
	}
}

func TestTransportWithoutSession(t *testing.T) {
	a := &api{}
	srv := httptest.NewServer(a)
	defer srv.Close()

	_, err := NewClient(&fakeSource{}, nil).Get(srv.URL)
	if !errors.Is(err, session.ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
	if a.calls != 0 {
		t.Errorf("calls = %d, want 0", a.calls)
	}
}

func TestTransportLeavesRequestUntouched(t *testing.T) {
	a := &api{}
	srv := httptest.NewServer(a)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := NewClient(&fakeSource{token: "fresh"}, nil).Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := req.Header.Get("Authorization"); got != "" {
		t.Errorf("caller request modified: Authorization = %q", got)
	}
}

func TestProxy(t *testing.T) {
	a := &api{}
	upstream := httptest.NewServer(a)
	defer upstream.Close()
	target, _ := url.Parse(upstream.URL + "/api")

	t.Run("forwards with the session token", func(t *testing.T) {
		src := &fakeSource{token: "stale", next: "fresh"}
		h := NewProxy(target, "/api/", src, nil, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/clients/me", nil)
		req.AddCookie(&http.Cookie{Name: "sg_tab", Value: "tab-1"})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
		}
		var got map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if got["path"] != "/api/clients/me" {
			t.Errorf("upstream path = %q, want /api/clients/me", got["path"])
		}
		if got["cookie"] != "" {
			t.Errorf("cookie forwarded: %q", got["cookie"])
		}
	})

	t.Run("anonymous", func(t *testing.T) {
		calls := a.calls
		h := NewProxy(target, "/api/", &fakeSource{}, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/clients/me", nil))

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "not_authenticated") {
			t.Errorf("body = %s", rec.Body.String())
		}
		if a.calls != calls {
			t.Error("anonymous request reached the API")
		}
	})

	t.Run("token errors", func(t *testing.T) {
		tests := []struct {
			name string
			err  error
			want int
		}{
			{"refresh rejected", fmt.Errorf("%w: invalid_grant", idp.ErrRefreshFailed), http.StatusUnauthorized},
			{"session ended", session.ErrNotAuthenticated, http.StatusUnauthorized},
			{"provider unreachable", fmt.Errorf("%w: %w", idp.ErrRefreshFailed, idp.ErrNetwork), http.StatusBadGateway},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				calls := a.calls
				h := NewProxy(target, "/api/", &fakeSource{tokenErr: tt.err}, nil, nil)
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/clients/me", nil))
				if rec.Code != tt.want {
					t.Fatalf("status = %d, want %d", rec.Code, tt.want)
				}
				if a.calls != calls {
					t.Error("request reached the API without a token")
				}
			})
		}
	})

	t.Run("upstream down", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		deadURL, _ := url.Parse(dead.URL)
		dead.Close()

		h := NewProxy(deadURL, "/api/", &fakeSource{token: "fresh"}, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", rec.Code)
		}
	})
}
