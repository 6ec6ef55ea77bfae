package guard

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/wadahiro/sessiongate/internal/config"
	"github.com/wadahiro/sessiongate/internal/protocol"
	"github.com/wadahiro/sessiongate/internal/store"
)

//go:embed views/*.html
var viewFS embed.FS

var views = parseViews("login", "landing", "page", "unauthorized", "error", "waiting")

func parseViews(names ...string) map[string]*template.Template {
	base := template.Must(template.ParseFS(viewFS, "views/layout.html"))
	out := make(map[string]*template.Template, len(names))
	for _, name := range names {
		t := template.Must(base.Clone())
		out[name] = template.Must(t.ParseFS(viewFS, "views/"+name+".html"))
	}
	return out
}

type navLink struct {
	Path   string
	Active bool
}

// viewData is passed to every view.
type viewData struct {
	AppName       string
	Title         string
	Path          string
	Authenticated bool
	User          *store.User
	Roles         []string
	ExpiresAt     string
	HomeRoute     string
	Nav           []navLink
	Notice        string
	Error         string
	Email         string
	PasswordMode  bool
	// Refresh, when positive, reloads the page after that many seconds.
	Refresh   int
	RefreshTo string
}

func (h *Handler) pageData(r *http.Request, title string) viewData {
	d := viewData{
		AppName:       h.appName,
		Title:         title,
		Path:          r.URL.Path,
		Authenticated: h.auth.IsAuthenticated(),
		HomeRoute:     h.auth.HomeRoute(),
		PasswordMode:  h.loginMode == config.LoginModePassword,
		Notice:        string(h.auth.TakeNotice()),
	}
	if d.Authenticated {
		d.User = h.auth.User()
		d.Roles = h.auth.Roles()
		d.ExpiresAt = protocol.FormatTime(h.auth.ExpiresAt())
		for _, p := range h.auth.Policy().Paths() {
			if h.auth.CanAccess(p) {
				d.Nav = append(d.Nav, navLink{Path: p, Active: p == r.URL.Path})
			}
		}
	}
	return d
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, name string, data viewData) {
	t, ok := views[name]
	if !ok {
		h.logger.Error("Unknown view", "view", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		h.logger.Error("Failed to render view", "view", name, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		w.Write(buf.Bytes())
	}
}

// renderError shows msg and returns to the login page after a few seconds.
func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	data := h.pageData(r, "Sign-in error")
	data.Error = msg
	data.Refresh = 3
	data.RefreshTo = h.auth.Policy().LoginPath()
	h.render(w, r, status, "error", data)
}

// renderWaiting is shown while the session is still being restored.
func (h *Handler) renderWaiting(w http.ResponseWriter, r *http.Request) {
	data := viewData{
		AppName:   h.appName,
		Title:     "Loading",
		Path:      r.URL.Path,
		Refresh:   1,
		RefreshTo: r.URL.RequestURI(),
	}
	w.Header().Set("Retry-After", "1")
	h.render(w, r, http.StatusServiceUnavailable, "waiting", data)
}
