package guard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/wadahiro/sessiongate/internal/idp"
	"github.com/wadahiro/sessiongate/internal/protocol"
	"github.com/wadahiro/sessiongate/internal/store"
	"github.com/wadahiro/sessiongate/internal/volatile"
)

func (h *Handler) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "login", h.pageData(r, "Sign in"))
}

// handleBeginLogin starts the redirect login.
func (h *Handler) handleBeginLogin(w http.ResponseWriter, r *http.Request) {
	if h.auth.IsAuthenticated() {
		http.Redirect(w, r, h.auth.HomeRoute(), http.StatusFound)
		return
	}
	authURL := h.auth.BeginLogin(h.tab(w, r))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handlePasswordLogin performs the direct credential login.
func (h *Handler) handlePasswordLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")

	data := h.pageData(r, "Sign in")
	data.Email = email
	if email == "" || password == "" {
		data.Error = "Email and password are required."
		h.render(w, r, http.StatusBadRequest, "login", data)
		return
	}

	if err := h.auth.LoginWithPassword(r.Context(), email, password); err != nil {
		h.logger.Warn("Password login failed", "email", email, "error", err)
		data.Error = errorMessage(err)
		h.render(w, r, http.StatusUnauthorized, "login", data)
		return
	}
	http.Redirect(w, r, h.afterLogin(w, r), http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tab := h.tab(w, r)

	if errCode := q.Get("error"); errCode != "" {
		// The flow is over either way.
		tab.Take(volatile.KeyAuthState)
		tab.Take(volatile.KeyCodeVerifier)
		desc := q.Get("error_description")
		h.logger.Warn("Provider returned an error", "error", errCode, "error_description", desc)
		if desc == "" {
			desc = "Authentication failed"
		}
		h.renderError(w, r, http.StatusBadRequest, desc)
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		tab.Take(volatile.KeyAuthState)
		tab.Take(volatile.KeyCodeVerifier)
		h.renderError(w, r, http.StatusBadRequest, "Invalid callback parameters")
		return
	}

	if err := h.auth.CompleteLogin(r.Context(), tab, code, state); err != nil {
		h.logger.Warn("Login callback failed", "error", err)
		h.renderError(w, r, http.StatusBadRequest, errorMessage(err))
		return
	}
	http.Redirect(w, r, h.afterLogin(w, r), http.StatusFound)
}

// afterLogin returns the remembered location, or the post-login path.
func (h *Handler) afterLogin(w http.ResponseWriter, r *http.Request) string {
	if p, ok := h.tab(w, r).Take(volatile.KeyRedirectPath); ok {
		if target, ok := safeRedirect(p); ok {
			return target
		}
	}
	return h.postLoginPath
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	logoutURL := h.auth.Logout(r.Context(), h.postLogoutURL)

	if c, err := r.Cookie(tabCookie); err == nil {
		h.tabs.Delete(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name: tabCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true,
	})
	http.Redirect(w, r, logoutURL, http.StatusFound)
}

func (h *Handler) handleUnauthorized(w http.ResponseWriter, r *http.Request) {
	data := h.pageData(r, "Access denied")
	h.render(w, r, http.StatusForbidden, "unauthorized", data)
}

// sessionView mirrors the session surface as JSON.
type sessionView struct {
	IsAuthenticated bool        `json:"isAuthenticated"`
	IsLoading       bool        `json:"isLoading"`
	User            *store.User `json:"user"`
	HomeRoute       string      `json:"homeRoute"`
	ExpiresAt       string      `json:"expiresAt,omitempty"`
	HasRole         *bool       `json:"hasRole,omitempty"`
	CanAccess       *bool       `json:"canAccess,omitempty"`
}

// handleSession reports the session state. ?role= and ?path= add the
// hasRole and canAccess answers.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	v := sessionView{
		IsAuthenticated: h.auth.IsAuthenticated(),
		IsLoading:       h.auth.IsLoading(),
		User:            h.auth.User(),
		HomeRoute:       h.auth.HomeRoute(),
	}
	if v.IsAuthenticated {
		v.ExpiresAt = h.auth.ExpiresAt().UTC().Format(time.RFC3339)
	}
	if role := r.URL.Query().Get("role"); role != "" {
		ok := h.auth.HasRole(role)
		v.HasRole = &ok
	}
	if p := r.URL.Query().Get("path"); p != "" {
		ok := h.auth.CanAccess(p)
		v.CanAccess = &ok
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		h.logger.Error("Failed to write session response", "error", err)
	}
}

// handlePage renders the guarded app pages.
func (h *Handler) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	switch r.URL.Path {
	case "/":
		h.render(w, r, http.StatusOK, "landing", h.pageData(r, h.appName))
		return
	case h.postLoginPath:
		if home := h.auth.HomeRoute(); home != r.URL.Path {
			http.Redirect(w, r, home, http.StatusFound)
			return
		}
	}
	if h.auth.Policy().IsPublic(r.URL.Path) {
		// Public locations without a page of their own.
		http.NotFound(w, r)
		return
	}
	if _, ok := h.auth.Policy().Rule(r.URL.Path); !ok {
		http.NotFound(w, r)
		return
	}
	h.render(w, r, http.StatusOK, "page", h.pageData(r, pageTitle(r.URL.Path)))
}

// errorMessage maps an authentication failure onto text for the user.
func errorMessage(err error) string {
	var ie *idp.Error
	switch {
	case errors.Is(err, idp.ErrStateMismatch), errors.Is(err, idp.ErrMissingVerifier):
		return "Your sign-in request expired or was not started here. Please sign in again."
	case errors.Is(err, idp.ErrNetwork):
		return "The identity provider could not be reached. Please try again."
	case errors.Is(err, protocol.ErrMalformedToken):
		return "The identity provider returned an unusable token."
	case errors.As(err, &ie) && ie.Code == "invalid_grant" && ie.Op == "password":
		return "Invalid email or password."
	case errors.As(err, &ie) && ie.Description != "":
		return "Authentication failed: " + ie.Description
	default:
		return "Authentication failed. Please try again."
	}
}

func pageTitle(p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segs {
		if s == "" {
			continue
		}
		segs[i] = strings.ToUpper(s[:1]) + strings.ReplaceAll(s[1:], "-", " ")
	}
	return strings.Join(segs, " / ")
}
