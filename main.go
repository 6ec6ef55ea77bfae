package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wadahiro/sessiongate/internal/access"
	"github.com/wadahiro/sessiongate/internal/backend"
	"github.com/wadahiro/sessiongate/internal/config"
	"github.com/wadahiro/sessiongate/internal/guard"
	"github.com/wadahiro/sessiongate/internal/idp"
	"github.com/wadahiro/sessiongate/internal/protocol"
	"github.com/wadahiro/sessiongate/internal/session"
	"github.com/wadahiro/sessiongate/internal/store"
	"github.com/wadahiro/sessiongate/internal/telemetry"
	"github.com/wadahiro/sessiongate/internal/volatile"
)

const serviceName = "sessiongate"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "-healthcheck":
			os.Exit(healthcheck())
		case "status":
			os.Exit(runStatus(os.Args[2:], os.Stdout))
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	closeLog := setupLogger(cfg.LogLevel, cfg.LogFile)
	defer closeLog()

	if err := setupTimezone(cfg.Timezone); err != nil {
		slog.Error("Invalid timezone", "timezone", cfg.Timezone, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		slog.Error("Failed to set up tracing", "error", err)
		os.Exit(1)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.InsecureSkipVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		slog.Warn("TLS certificate verification is disabled")
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open session store", "backend", cfg.Session.Backend, "error", err)
		os.Exit(1)
	}

	policy, err := access.NewPolicy(policyOptions(cfg.Routes))
	if err != nil {
		slog.Error("Invalid route table", "error", err)
		os.Exit(1)
	}

	provider, err := idp.New(ctx, idp.Options{
		Provider:    cfg.Provider,
		RedirectURI: cfg.RedirectURI,
		HTTPClient:  httpClient,
	})
	if err != nil {
		slog.Error("Failed to initialize identity provider client", "error", err)
		os.Exit(1)
	}

	engine, err := session.New(session.Options{
		Store:           st,
		Provider:        provider,
		Policy:          policy,
		ClientID:        cfg.Provider.ClientID,
		Skew:            cfg.Session.SkewMargin,
		RefreshInterval: cfg.Session.RefreshInterval,
	})
	if err != nil {
		slog.Error("Failed to initialize session engine", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := engine.Start(ctx); err != nil {
			slog.Error("Failed to restore session", "error", err)
		}
	}()

	tabs := volatile.NewStore(cfg.Session.FlowTTL)
	go pruneTabs(ctx, tabs, cfg.Session.FlowTTL)

	handler := guard.NewHandler(guard.Options{
		Auth:          engine,
		Tabs:          tabs,
		LoginMode:     cfg.Provider.LoginMode,
		CallbackPath:  cfg.Provider.CallbackPath,
		PostLoginPath: cfg.Routes.PostLoginPath,
		PostLogoutURL: cfg.BaseURL + cfg.Provider.PostLogoutPath,
		WaitTimeout:   cfg.Session.WaitTimeout,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	if cfg.APIURL != "" {
		target, err := url.Parse(cfg.APIURL)
		if err != nil {
			slog.Error("Invalid api_url", "error", err)
			os.Exit(1)
		}
		mux.Handle("/api/", backend.NewProxy(target, "/api/", engine, httpClient.Transport, slog.Default()))
		slog.Info("API proxy registered", "target", cfg.APIURL)
	}
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		var err error
		if cfg.TLSSelfSigned {
			tlsCert, certErr := generateSelfSignedTLSCert()
			if certErr != nil {
				slog.Error("Failed to generate self-signed TLS certificate", "error", certErr)
				os.Exit(1)
			}
			server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{tlsCert}}
			slog.Info("Listening (TLS, self-signed)", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
			err = server.ListenAndServeTLS("", "")
		} else if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			slog.Info("Listening (TLS)", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			slog.Info("Listening", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown failed", "error", err)
	}
	engine.Close()
	if err := closeStore(); err != nil {
		slog.Error("Failed to close session store", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("Failed to flush traces", "error", err)
	}
	slog.Info("Server stopped")
}

// loadConfig preloads .env, then reads the file named by CONFIG_FILE.
// Without CONFIG_FILE the configuration comes from the environment only.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return config.Load(os.Getenv("CONFIG_FILE"))
}

func healthcheck() int {
	healthURL := os.Getenv("HEALTHCHECK_URL")
	if healthURL == "" {
		healthURL = "http://localhost:3000/healthz"
	}
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := client.Get(healthURL)
	if err != nil {
		return 1
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// setupLogger installs the default logger. With a log file, records go to
// stderr and to a rotating file.
func setupLogger(level, file string) (closeFn func()) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeFn = func() {}
	if file != "" {
		rotating := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotating)
		closeFn = func() { rotating.Close() }
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
	return closeFn
}

func setupTimezone(name string) error {
	if name == "" || name == "UTC" {
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return err
	}
	protocol.DisplayLocation = loc
	slog.Info("Display timezone configured", "timezone", name)
	return nil
}

// openStore opens the configured session backend, keyed by the app origin.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	noop := func() error { return nil }
	origin, err := store.OriginKey(cfg.BaseURL)
	if err != nil {
		return nil, nil, err
	}

	s := cfg.Session
	switch s.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), noop, nil
	case config.BackendSQLite:
		st, err := store.OpenSQLite(s.Path, origin)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis is not reachable yet", "addr", s.RedisAddr, "error", err)
		}
		return store.NewRedisStore(client, origin), client.Close, nil
	default:
		st, err := store.NewFileStore(s.Path, origin)
		if err != nil {
			return nil, nil, err
		}
		return st, noop, nil
	}
}

// policyOptions maps the configured route table; empty sections keep the
// built-in defaults.
func policyOptions(rc config.RoutesConfig) access.Options {
	opts := access.Options{
		Public:           rc.Public,
		AuthOnly:         rc.AuthOnly,
		LoginPath:        rc.LoginPath,
		UnauthorizedPath: rc.UnauthorizedPath,
		LandingPath:      rc.LandingPath,
	}
	for _, r := range rc.Rules {
		opts.Rules = append(opts.Rules, access.Rule{Path: r.Path, AllowedRoles: r.Roles})
	}
	for _, h := range rc.Home {
		opts.Home = append(opts.Home, access.HomeRoute{Role: h.Role, Path: h.Path})
	}
	return opts
}

// pruneTabs drops abandoned login flows.
func pruneTabs(ctx context.Context, tabs *volatile.Store, ttl time.Duration) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := tabs.Prune(); n > 0 {
				slog.Debug("Pruned idle tabs", "count", n)
			}
		}
	}
}

func generateSelfSignedTLSCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate RSA key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}
