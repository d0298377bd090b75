package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-tracker/internal/bus"
	"github.com/basket/go-tracker/internal/config"
	"github.com/basket/go-tracker/internal/model"
	"github.com/basket/go-tracker/internal/orchestrator"
	otelPkg "github.com/basket/go-tracker/internal/otel"
	"github.com/basket/go-tracker/internal/remote"
	"github.com/basket/go-tracker/internal/session"
	"github.com/basket/go-tracker/internal/store"
	"github.com/basket/go-tracker/internal/telemetry"
)

// errNoCredentials is returned when no session exists and no login identity
// is configured.
var errNoCredentials = errors.New("not signed in: set TRACKER_EMAIL and TRACKER_PASSWORD (or email in config.yaml)")

// app is the wired client: remote client, session, stores and orchestrator
// sharing one bus.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	logFile  io.Closer
	provider *otelPkg.Provider

	bus     *bus.Bus
	client  *remote.Client
	session *session.Session
	stores  *store.Stores
	orch    *orchestrator.Orchestrator
}

// newApp builds the client stack from cfg. quiet keeps logs out of stderr.
func newApp(ctx context.Context, cfg config.Config, quiet bool) (*app, error) {
	logger, logFile, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	provider, err := otelPkg.Init(ctx, cfg.OTel, otelPkg.Client{
		BaseURL:           cfg.BaseURL,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("otel: %w", err)
	}
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		_ = provider.Shutdown(ctx)
		_ = logFile.Close()
		return nil, fmt.Errorf("otel metrics: %w", err)
	}

	client, err := remote.New(remote.Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout(),
		Logger:  logger,
		Tracer:  provider.Tracer,
		Metrics: metrics,
	})
	if err != nil {
		_ = provider.Shutdown(ctx)
		_ = logFile.Close()
		return nil, err
	}

	b := bus.New()
	sess := session.New(client, b, session.Options{
		ErrorTTL: cfg.ErrorDisplay(),
		Logger:   logger,
		Metrics:  metrics,
	})
	stores := store.NewStores(client, b, store.Options{Logger: logger, Metrics: metrics})
	orch := orchestrator.New(stores, sess, b, orchestrator.Options{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  provider.Tracer,
	})

	logger.Debug("client ready", "base_url", cfg.BaseURL, "config", cfg.Fingerprint())
	return &app{
		cfg:      cfg,
		logger:   logger,
		logFile:  logFile,
		provider: provider,
		bus:      b,
		client:   client,
		session:  sess,
		stores:   stores,
		orch:     orch,
	}, nil
}

// signIn verifies the current session and logs in with the configured
// identity when there is none.
func (a *app) signIn(ctx context.Context) error {
	state, err := a.session.Verify(ctx)
	if err != nil {
		a.logger.Debug("verify failed", "error", err)
	}
	if state == session.Authenticated {
		return nil
	}
	if strings.TrimSpace(a.cfg.Email) == "" || a.cfg.Password == "" {
		return errNoCredentials
	}
	if _, err := a.session.Login(ctx, model.Credentials{Email: a.cfg.Email, Password: a.cfg.Password}); err != nil {
		if msgs := a.session.Errors(); len(msgs) > 0 {
			return fmt.Errorf("login: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// Close releases the stores, session, telemetry and log file.
func (a *app) Close() {
	a.stores.Close()
	a.session.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.provider.Shutdown(ctx); err != nil {
		a.logger.Warn("otel shutdown failed", "error", err)
	}
	_ = a.logFile.Close()
}

// openApp loads config and returns a signed-in app.
func openApp(ctx context.Context, opts *rootOptions, quiet bool) (*app, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg, quiet)
	if err != nil {
		return nil, err
	}
	if err := a.signIn(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
