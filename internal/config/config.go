package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Login modes.
const (
	LoginModeRedirect = "redirect"
	LoginModePassword = "password"
)

// Session store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the top-level configuration.
type Config struct {
	ListenAddr         string         `toml:"listen_addr" yaml:"listen_addr" env:"SESSIONGATE_LISTEN_ADDR"`
	BaseURL            string         `toml:"base_url" yaml:"base_url" env:"SESSIONGATE_BASE_URL"`
	InsecureSkipVerify bool           `toml:"insecure_skip_verify" yaml:"insecure_skip_verify" env:"SESSIONGATE_INSECURE_SKIP_VERIFY"`
	LogLevel           string         `toml:"log_level" yaml:"log_level" env:"SESSIONGATE_LOG_LEVEL"`
	LogFile            string         `toml:"log_file" yaml:"log_file" env:"SESSIONGATE_LOG_FILE"`
	Timezone           string         `toml:"timezone" yaml:"timezone" env:"SESSIONGATE_TIMEZONE"`
	TLSCertPath        string         `toml:"tls_cert_path" yaml:"tls_cert_path" env:"SESSIONGATE_TLS_CERT_PATH"`
	TLSKeyPath         string         `toml:"tls_key_path" yaml:"tls_key_path" env:"SESSIONGATE_TLS_KEY_PATH"`
	TLSSelfSigned      bool           `toml:"tls_self_signed" yaml:"tls_self_signed" env:"SESSIONGATE_TLS_SELF_SIGNED"`
	OTelEndpoint       string         `toml:"otel_endpoint" yaml:"otel_endpoint" env:"SESSIONGATE_OTEL_ENDPOINT"`
	// APIURL is the appointment API proxied under /api/. Empty disables the proxy.
	APIURL             string         `toml:"api_url" yaml:"api_url" env:"SESSIONGATE_API_URL"`
	Provider           ProviderConfig `toml:"provider" yaml:"provider"`
	Session            SessionConfig  `toml:"session" yaml:"session"`
	Routes             RoutesConfig   `toml:"routes" yaml:"routes"`

	// Computed fields (not from the config file)
	Origin      string `toml:"-" yaml:"-"` // scheme://host of base_url
	RedirectURI string `toml:"-" yaml:"-"` // base_url + callback_path
}

// ProviderConfig describes the Keycloak-style identity provider.
type ProviderConfig struct {
	URL            string   `toml:"url" yaml:"url" env:"SESSIONGATE_PROVIDER_URL"`
	Realm          string   `toml:"realm" yaml:"realm" env:"SESSIONGATE_PROVIDER_REALM"`
	ClientID       string   `toml:"client_id" yaml:"client_id" env:"SESSIONGATE_PROVIDER_CLIENT_ID"`
	ClientSecret   string   `toml:"client_secret" yaml:"client_secret" env:"SESSIONGATE_PROVIDER_CLIENT_SECRET"`
	Scopes         []string `toml:"scopes" yaml:"scopes" env:"SESSIONGATE_PROVIDER_SCOPES" envSeparator:" "`
	Discovery      bool     `toml:"discovery" yaml:"discovery" env:"SESSIONGATE_PROVIDER_DISCOVERY"`
	LoginMode      string   `toml:"login_mode" yaml:"login_mode" env:"SESSIONGATE_PROVIDER_LOGIN_MODE"`
	CallbackPath   string   `toml:"callback_path" yaml:"callback_path" env:"SESSIONGATE_PROVIDER_CALLBACK_PATH"`
	PostLogoutPath string   `toml:"post_logout_path" yaml:"post_logout_path" env:"SESSIONGATE_PROVIDER_POST_LOGOUT_PATH"`
}

// Issuer returns the realm issuer URL.
func (p ProviderConfig) Issuer() string {
	return strings.TrimRight(p.URL, "/") + "/realms/" + url.PathEscape(p.Realm)
}

// SessionConfig controls persistence and refresh timing.
type SessionConfig struct {
	Backend         string        `toml:"backend" yaml:"backend" env:"SESSIONGATE_SESSION_BACKEND"`
	Path            string        `toml:"path" yaml:"path" env:"SESSIONGATE_SESSION_PATH"`
	RedisAddr       string        `toml:"redis_addr" yaml:"redis_addr" env:"SESSIONGATE_SESSION_REDIS_ADDR"`
	RedisPassword   string        `toml:"redis_password" yaml:"redis_password" env:"SESSIONGATE_SESSION_REDIS_PASSWORD"`
	RedisDB         int           `toml:"redis_db" yaml:"redis_db" env:"SESSIONGATE_SESSION_REDIS_DB"`
	RefreshInterval time.Duration `toml:"refresh_interval" yaml:"refresh_interval" env:"SESSIONGATE_SESSION_REFRESH_INTERVAL"`
	SkewMargin      time.Duration `toml:"skew_margin" yaml:"skew_margin" env:"SESSIONGATE_SESSION_SKEW_MARGIN"`
	WaitTimeout     time.Duration `toml:"wait_timeout" yaml:"wait_timeout" env:"SESSIONGATE_SESSION_WAIT_TIMEOUT"`
	FlowTTL         time.Duration `toml:"flow_ttl" yaml:"flow_ttl" env:"SESSIONGATE_SESSION_FLOW_TTL"`
}

// RoutesConfig overrides the built-in route access table. Empty lists keep
// the defaults.
type RoutesConfig struct {
	Public           []string    `toml:"public" yaml:"public"`
	AuthOnly         []string    `toml:"auth_only" yaml:"auth_only"`
	Rules            []RouteRule `toml:"rule" yaml:"rules"`
	Home             []HomeRoute `toml:"home" yaml:"home"`
	LoginPath        string      `toml:"login_path" yaml:"login_path"`
	UnauthorizedPath string      `toml:"unauthorized_path" yaml:"unauthorized_path"`
	LandingPath      string      `toml:"landing_path" yaml:"landing_path"`
	PostLoginPath    string      `toml:"post_login_path" yaml:"post_login_path"`
}

// RouteRule grants a path (and its sub-paths) to a set of roles.
type RouteRule struct {
	Path  string   `toml:"path" yaml:"path"`
	Roles []string `toml:"roles" yaml:"roles"`
}

// HomeRoute maps a role to its landing page; earlier entries win.
type HomeRoute struct {
	Role string `toml:"role" yaml:"role"`
	Path string `toml:"path" yaml:"path"`
}

// Load reads the configuration from a TOML or YAML file, then applies
// SESSIONGATE_* environment overrides. An empty path loads from the
// environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	applyProviderDefaults(&cfg.Provider)
	applySessionDefaults(&cfg.Session)
	if cfg.Routes.PostLoginPath == "" {
		cfg.Routes.PostLoginPath = "/dashboard"
	}
}

func applyProviderDefaults(p *ProviderConfig) {
	if len(p.Scopes) == 0 {
		p.Scopes = []string{"openid", "profile", "email"}
	}
	if p.LoginMode == "" {
		p.LoginMode = LoginModeRedirect
	}
	if p.CallbackPath == "" {
		p.CallbackPath = "/auth/callback"
	}
	if p.PostLogoutPath == "" {
		p.PostLogoutPath = "/login"
	}
}

func applySessionDefaults(s *SessionConfig) {
	if s.Backend == "" {
		s.Backend = BackendFile
	}
	if s.Path == "" {
		switch s.Backend {
		case BackendFile:
			s.Path = ".sessiongate"
		case BackendSQLite:
			s.Path = "sessiongate.db"
		}
	}
	if s.RefreshInterval == 0 {
		s.RefreshInterval = 5 * time.Minute
	}
	if s.SkewMargin == 0 {
		s.SkewMargin = 60 * time.Second
	}
	if s.WaitTimeout == 0 {
		s.WaitTimeout = 2 * time.Second
	}
	if s.FlowTTL == 0 {
		s.FlowTTL = 5 * time.Minute
	}
}

func validate(cfg *Config) error {
	if (cfg.TLSCertPath != "") != (cfg.TLSKeyPath != "") {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be specified together")
	}
	if cfg.TLSSelfSigned && cfg.TLSCertPath != "" {
		return fmt.Errorf("tls_self_signed and tls_cert_path are mutually exclusive")
	}
	if err := parseBaseURL(cfg); err != nil {
		return err
	}

	p := cfg.Provider
	if p.URL == "" || p.Realm == "" || p.ClientID == "" {
		return fmt.Errorf("provider: url, realm and client_id are required")
	}
	if _, err := url.Parse(p.URL); err != nil {
		return fmt.Errorf("provider: invalid url %q: %w", p.URL, err)
	}
	switch p.LoginMode {
	case LoginModeRedirect, LoginModePassword:
	default:
		return fmt.Errorf("provider: login_mode must be %q or %q, got %q", LoginModeRedirect, LoginModePassword, p.LoginMode)
	}
	if !strings.HasPrefix(p.CallbackPath, "/") {
		return fmt.Errorf("provider: callback_path %q must start with /", p.CallbackPath)
	}
	cfg.RedirectURI = cfg.BaseURL + p.CallbackPath

	s := cfg.Session
	switch s.Backend {
	case BackendFile, BackendSQLite, BackendMemory:
	case BackendRedis:
		if s.RedisAddr == "" {
			return fmt.Errorf("session: redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("session: unknown backend %q", s.Backend)
	}
	if s.RefreshInterval < 0 || s.SkewMargin < 0 || s.WaitTimeout < 0 || s.FlowTTL < 0 {
		return fmt.Errorf("session: durations must not be negative")
	}

	if cfg.APIURL != "" {
		u, err := url.Parse(cfg.APIURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("api_url %q must be an absolute http or https URL", cfg.APIURL)
		}
	}

	for i, r := range cfg.Routes.Rules {
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("routes.rule[%d]: path %q must start with /", i, r.Path)
		}
		if len(r.Roles) == 0 {
			return fmt.Errorf("routes.rule[%d] (%s): at least one role is required", i, r.Path)
		}
	}
	return nil
}

// parseBaseURL validates base_url and sets the computed Origin field.
func parseBaseURL(cfg *Config) error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url %q: scheme must be http or https", cfg.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("base_url %q: host is required", cfg.BaseURL)
	}

	cfg.Origin = u.Scheme + "://" + u.Host
	cfg.BaseURL = cfg.Origin + strings.TrimRight(u.Path, "/")
	return nil
}

// TLSEnabled returns true if TLS cert files are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}
