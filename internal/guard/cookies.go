package guard

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/wadahiro/sessiongate/internal/volatile"
)

// tabCookie identifies the volatile storage of one browser session. A server
// cannot tell tabs apart, so every tab of the same browser shares it: a login
// started in one tab replaces the PKCE state of a login pending in another,
// and only the latest callback succeeds.
const tabCookie = "sg_tab"

// tab returns the volatile storage of the requesting tab, issuing a new tab
// cookie when the request carries none.
func (h *Handler) tab(w http.ResponseWriter, r *http.Request) *volatile.Tab {
	if c, err := r.Cookie(tabCookie); err == nil && c.Value != "" {
		return h.tabs.Tab(c.Value)
	}
	id := uuid.New().String()
	c := &http.Cookie{
		Name:     tabCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: sameSiteMode(r),
	}
	http.SetCookie(w, c)
	// Later lookups in the same request see the new tab.
	r.AddCookie(c)
	return h.tabs.Tab(id)
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func sameSiteMode(r *http.Request) http.SameSite {
	if isHTTPS(r) {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}
