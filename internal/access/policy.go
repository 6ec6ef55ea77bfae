// Package access decides which locations a set of roles may view.
package access

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Role names used by the default route table.
const (
	RoleClient        = "CLIENT"
	RoleBusinessOwner = "BUSINESS_OWNER"
	RoleAdmin         = "ADMIN"
)

// Rule grants access to a path, and everything under it, to any of AllowedRoles.
type Rule struct {
	Path         string
	AllowedRoles []string
}

// HomeRoute maps a role to its landing location.
type HomeRoute struct {
	Role string
	Path string
}

// Options configures a Policy. Empty fields fall back to Default().
type Options struct {
	Public           []string
	AuthOnly         []string
	Rules            []Rule
	Home             []HomeRoute
	LoginPath        string
	UnauthorizedPath string
	LandingPath      string
}

// Default returns the route table of the appointment app.
func Default() Options {
	return Options{
		Public:   []string{"/", "/login", "/signup", "/activation-code", "/forgot-password", "/auth", "/unauthorized"},
		AuthOnly: []string{"/login", "/signup", "/activation-code", "/forgot-password"},
		Rules: []Rule{
			{Path: "/dashboard", AllowedRoles: []string{RoleClient, RoleBusinessOwner, RoleAdmin}},
			{Path: "/business", AllowedRoles: []string{RoleBusinessOwner, RoleAdmin}},
			{Path: "/business/services", AllowedRoles: []string{RoleBusinessOwner, RoleAdmin}},
			{Path: "/business/staff", AllowedRoles: []string{RoleBusinessOwner, RoleAdmin}},
			{Path: "/business/settings", AllowedRoles: []string{RoleBusinessOwner, RoleAdmin}},
			{Path: "/client", AllowedRoles: []string{RoleClient, RoleAdmin}},
			{Path: "/client/appointments", AllowedRoles: []string{RoleClient, RoleAdmin}},
			{Path: "/client/history", AllowedRoles: []string{RoleClient, RoleAdmin}},
			{Path: "/admin", AllowedRoles: []string{RoleAdmin}},
		},
		Home: []HomeRoute{
			{Role: RoleAdmin, Path: "/admin"},
			{Role: RoleBusinessOwner, Path: "/business/services"},
			{Role: RoleClient, Path: "/client"},
		},
		LoginPath:        "/login",
		UnauthorizedPath: "/unauthorized",
		LandingPath:      "/login",
	}
}

// Policy is an immutable, validated route table.
type Policy struct {
	public       map[string]bool
	authOnly     map[string]bool
	rules        []Rule // longest path first
	home         []HomeRoute
	login        string
	unauthorized string
	landing      string
}

// NewPolicy validates opts and builds a Policy.
func NewPolicy(opts Options) (*Policy, error) {
	def := Default()
	if opts.Public == nil {
		opts.Public = def.Public
	}
	if opts.AuthOnly == nil {
		opts.AuthOnly = def.AuthOnly
	}
	if opts.Rules == nil {
		opts.Rules = def.Rules
	}
	if opts.Home == nil {
		opts.Home = def.Home
	}
	if opts.LoginPath == "" {
		opts.LoginPath = def.LoginPath
	}
	if opts.UnauthorizedPath == "" {
		opts.UnauthorizedPath = def.UnauthorizedPath
	}
	if opts.LandingPath == "" {
		opts.LandingPath = opts.LoginPath
	}

	p := &Policy{
		public:       make(map[string]bool, len(opts.Public)),
		authOnly:     make(map[string]bool, len(opts.AuthOnly)),
		login:        clean(opts.LoginPath),
		unauthorized: clean(opts.UnauthorizedPath),
		landing:      clean(opts.LandingPath),
	}
	for _, r := range opts.Public {
		if !strings.HasPrefix(r, "/") {
			return nil, fmt.Errorf("public route %q must start with /", r)
		}
		p.public[clean(r)] = true
	}
	for _, r := range opts.AuthOnly {
		if !strings.HasPrefix(r, "/") {
			return nil, fmt.Errorf("auth-only route %q must start with /", r)
		}
		p.authOnly[clean(r)] = true
	}
	// Both pages must stay reachable or the guard would loop.
	if !under(p.public, p.login) {
		return nil, fmt.Errorf("login path %q must be public", p.login)
	}
	if !under(p.public, p.unauthorized) {
		return nil, fmt.Errorf("unauthorized path %q must be public", p.unauthorized)
	}

	seen := make(map[string]bool, len(opts.Rules))
	for _, r := range opts.Rules {
		if !strings.HasPrefix(r.Path, "/") {
			return nil, fmt.Errorf("rule path %q must start with /", r.Path)
		}
		if len(r.AllowedRoles) == 0 {
			return nil, fmt.Errorf("rule %q has no allowed roles", r.Path)
		}
		rp := clean(r.Path)
		if seen[rp] {
			return nil, fmt.Errorf("duplicate rule for %q", rp)
		}
		seen[rp] = true
		p.rules = append(p.rules, Rule{Path: rp, AllowedRoles: append([]string(nil), r.AllowedRoles...)})
	}
	sort.SliceStable(p.rules, func(i, j int) bool {
		return len(p.rules[i].Path) > len(p.rules[j].Path)
	})

	for _, h := range opts.Home {
		if h.Role == "" || !strings.HasPrefix(h.Path, "/") {
			return nil, errors.New("home route needs a role and an absolute path")
		}
		p.home = append(p.home, HomeRoute{Role: h.Role, Path: clean(h.Path)})
	}
	return p, nil
}

// LoginPath returns where anonymous users are sent.
func (p *Policy) LoginPath() string { return p.login }

// UnauthorizedPath returns where users without access are sent.
func (p *Policy) UnauthorizedPath() string { return p.unauthorized }

// IsPublic reports whether anyone may view location, which is a public
// route or lies under one.
func (p *Policy) IsPublic(location string) bool {
	return under(p.public, clean(location))
}

// IsAuthOnly reports whether location is meant for anonymous users only.
func (p *Policy) IsAuthOnly(location string) bool {
	return under(p.authOnly, clean(location))
}

// CanAccess reports whether a holder of roles may view location.
// Public locations are always viewable; locations without a rule are not.
func (p *Policy) CanAccess(location string, roles []string) bool {
	loc := clean(location)
	if under(p.public, loc) {
		return true
	}
	rule, ok := p.match(loc)
	if !ok {
		return false
	}
	for _, want := range rule.AllowedRoles {
		if hasRole(roles, want) {
			return true
		}
	}
	return false
}

// HomeRoute returns the landing location for roles, by home route priority.
func (p *Policy) HomeRoute(roles []string) string {
	if r, ok := p.homeFor(roles); ok {
		return r
	}
	return p.landing
}

// RedirectPath returns where a navigation to location must be sent instead,
// or "" when it may proceed.
func (p *Policy) RedirectPath(location string, roles []string, authenticated bool) string {
	loc := clean(location)
	if authenticated && under(p.authOnly, loc) {
		if home, ok := p.homeFor(roles); ok {
			return home
		}
		return p.unauthorized
	}
	if under(p.public, loc) {
		return ""
	}
	if !authenticated {
		return p.login
	}
	if !p.CanAccess(loc, roles) {
		return p.unauthorized
	}
	return ""
}

// Rule returns the rule governing location, if any.
func (p *Policy) Rule(location string) (Rule, bool) {
	return p.match(clean(location))
}

// Paths returns the paths that carry a rule, in lexical order.
func (p *Policy) Paths() []string {
	out := make([]string, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, r.Path)
	}
	sort.Strings(out)
	return out
}

// match returns the most specific rule: an exact path beats any prefix,
// and a longer prefix beats a shorter one.
func (p *Policy) match(loc string) (Rule, bool) {
	for _, r := range p.rules {
		if matches(loc, r.Path) {
			return r, true
		}
	}
	return Rule{}, false
}

// matches reports whether loc is route or a child of it. The root route
// only ever matches itself.
func matches(loc, route string) bool {
	return loc == route || strings.HasPrefix(loc, route+"/")
}

func under(routes map[string]bool, loc string) bool {
	if routes[loc] {
		return true
	}
	for r := range routes {
		if matches(loc, r) {
			return true
		}
	}
	return false
}

func (p *Policy) homeFor(roles []string) (string, bool) {
	for _, h := range p.home {
		if hasRole(roles, h.Role) {
			return h.Path, true
		}
	}
	return "", false
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if strings.EqualFold(r, want) {
			return true
		}
	}
	return false
}

func clean(location string) string {
	if i := strings.IndexAny(location, "?#"); i >= 0 {
		location = location[:i]
	}
	if location == "" {
		return "/"
	}
	return path.Clean("/" + location)
}
