package backend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/wadahiro/sessiongate/internal/idp"
	"github.com/wadahiro/sessiongate/internal/protocol"
	"github.com/wadahiro/sessiongate/internal/session"
)

// NewProxy forwards requests under prefix to target, authenticated as the
// current session. Requests without a session get a 401 JSON error and never
// reach the API.
func NewProxy(target *url.URL, prefix string, src TokenSource, base http.RoundTripper, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	prefix = strings.TrimRight(prefix, "/")
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, prefix)
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.SetXForwarded()
			// Browser credentials stay with the gateway.
			pr.Out.Header.Del("Cookie")
		},
		Transport: &Transport{Source: src, Base: base, Logger: logger},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if sessionEnded(err) {
				writeError(w, http.StatusUnauthorized, "not_authenticated", "Sign in to use the API")
				return
			}
			logger.Warn("Backend request failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, "bad_gateway", protocol.CleanGoErrorMessage(err.Error()))
		},
	}
	return rp
}

// sessionEnded reports whether err means the caller has no usable session.
// A provider that cannot be reached leaves the session intact.
func sessionEnded(err error) bool {
	if errors.Is(err, session.ErrNotAuthenticated) {
		return true
	}
	return errors.Is(err, idp.ErrRefreshFailed) && !errors.Is(err, idp.ErrNetwork)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": desc,
	})
}
