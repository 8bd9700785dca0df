// Command cocomposer runs the collaborative-composition backend: the
// REST API under /api and the realtime channel under /ws, backed either
// by in-process state or by Redis for multi-node deployments.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/cocomposer/cocomposer/accounts"
	"github.com/cocomposer/cocomposer/broker"
	"github.com/cocomposer/cocomposer/broker/memorybroker"
	"github.com/cocomposer/cocomposer/broker/redisbroker"
	"github.com/cocomposer/cocomposer/compositions"
	"github.com/cocomposer/cocomposer/compositions/memoryrepo"
	"github.com/cocomposer/cocomposer/compositions/redisrepo"
	"github.com/cocomposer/cocomposer/csrf"
	"github.com/cocomposer/cocomposer/httpapi"
	"github.com/cocomposer/cocomposer/internal/logctx"
	"github.com/cocomposer/cocomposer/internal/sigtoken"
	"github.com/cocomposer/cocomposer/realtime"
	"github.com/cocomposer/cocomposer/sessions"
	"github.com/cocomposer/cocomposer/sessions/memorystore"
	"github.com/cocomposer/cocomposer/sessions/redisstore"
)

// Config is populated from the environment.
type Config struct {
	// ListenAddr like ":8080". ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	// Backend selects state storage: "memory" or "redis". ENV: BACKEND
	Backend string `env:"BACKEND,default=memory"`
	// SigningKey signs session cookie values. ENV: SESSION_SIGNING_KEY
	SigningKey string `env:"SESSION_SIGNING_KEY,required"`
	// SecureCookies marks cookies Secure. ENV: SECURE_COOKIES
	SecureCookies bool `env:"SECURE_COOKIES,default=true"`
	// LogFormat is "json" or "text". ENV: LOG_FORMAT
	LogFormat string `env:"LOG_FORMAT,default=json"`
	// LogLevel is debug/info/warn/error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// ShutdownGrace bounds graceful shutdown. ENV: SHUTDOWN_GRACE
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE,default=15s"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := newLogger(cfg)

	signer, err := sigtoken.New([]byte(cfg.SigningKey))
	if err != nil {
		return err
	}

	var (
		sessStore sessions.Store
		bk        broker.Broker
		repo      compositions.Repository
	)
	switch cfg.Backend {
	case "memory":
		sessStore = memorystore.New()
		mb := memorybroker.New()
		defer mb.Close()
		bk = mb
		repo = memoryrepo.New()
	case "redis":
		rs, err := redisstore.NewFromEnv()
		if err != nil {
			return fmt.Errorf("session store: %w", err)
		}
		defer rs.Close()
		sessStore = rs
		rb, err := redisbroker.NewFromEnv()
		if err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		defer rb.Close()
		bk = rb
		rr, err := redisrepo.NewFromEnv()
		if err != nil {
			return fmt.Errorf("repository: %w", err)
		}
		defer rr.Close()
		repo = rr
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	rotator := csrf.NewRotator(sessStore)
	svc := compositions.NewService(repo, bk, log)
	gate := compositions.NewGate(repo, bk, log)
	accountStore := accounts.NewMemoryStore()

	api, err := httpapi.NewServer(httpapi.Config{
		Accounts:      accountStore,
		Sessions:      sessStore,
		Cookies:       signer,
		CSRF:          rotator,
		Service:       svc,
		Logger:        log,
		SecureCookies: cfg.SecureCookies,
	})
	if err != nil {
		return err
	}
	rt, err := realtime.NewServer(realtime.Config{
		Sessions: sessStore,
		Cookies:  signer,
		CSRF:     rotator,
		Gate:     gate,
		Service:  svc,
		Broker:   bk,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", api)
	mux.Handle("/ws", rt)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", cfg.ListenAddr), slog.String("backend", cfg.Backend))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogFormat == "text" {
		inner = slog.NewTextHandler(os.Stderr, opts)
	} else {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: inner})
}
