// Package app wires the medivoice subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds and connects every
// subsystem, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMinters, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/medivoice/internal/auth"
	"github.com/MrWong99/medivoice/internal/broker"
	"github.com/MrWong99/medivoice/internal/broker/openai"
	"github.com/MrWong99/medivoice/internal/config"
	"github.com/MrWong99/medivoice/internal/health"
	"github.com/MrWong99/medivoice/internal/observe"
	"github.com/MrWong99/medivoice/internal/resilience"
	"github.com/MrWong99/medivoice/internal/server"
	"github.com/MrWong99/medivoice/internal/store"
	"github.com/MrWong99/medivoice/internal/store/memory"
	"github.com/MrWong99/medivoice/internal/store/postgres"
	"golang.org/x/sync/errgroup"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// Subsystems, initialised in New and torn down in Shutdown.
	store     store.Store
	minters   []broker.NamedMinter
	registry  *config.Registry[broker.Minter]
	broker    *broker.Broker
	health    *health.Handler
	telemetry *observe.Telemetry
	metrics   *observe.Metrics
	server    *http.Server
	watcher   *config.Watcher

	mu       sync.Mutex
	addr     net.Addr
	ready    chan struct{}
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of creating one from config. Shutdown
// still closes it.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMinters injects credential minters instead of building them from
// config.Providers.
func WithMinters(m ...broker.NamedMinter) Option {
	return func(a *App) { a.minters = m }
}

// WithRegistry replaces the provider registry used to build minters.
func WithRegistry(r *config.Registry[broker.Minter]) Option {
	return func(a *App) { a.registry = r }
}

// WithTelemetry supplies the initialised OpenTelemetry SDK. Without it the
// app records into the global meter provider and serves no /metrics.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithWatcher runs w for the lifetime of [App.Run]. The watcher's callback
// is expected to call [App.ApplyConfig].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// DefaultRegistry knows every built-in provider.
func DefaultRegistry() *config.Registry[broker.Minter] {
	r := config.NewRegistry[broker.Minter]()
	r.Register("openai", openai.Factory)
	return r
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It connects to the
// store synchronously; a postgres backend is migrated on the way.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		log:   slog.Default(),
		ready: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.metrics = observe.DefaultMetrics()
	if a.telemetry != nil {
		a.metrics = a.telemetry.Metrics
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Minters and broker ────────────────────────────────────────────
	if err := a.initBroker(); err != nil {
		a.store.Close()
		return nil, fmt.Errorf("app: init broker: %w", err)
	}

	// ── 3. Probes ────────────────────────────────────────────────────────
	a.health = health.New(
		health.Checker{Name: "store", Check: a.store.Ping},
		health.Func("providers", a.broker.Available, resilience.ErrCircuitOpen),
	)

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		a.store.Close()
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	a.log.Info("app initialised",
		"store", cfg.Storage.Driver,
		"providers", len(a.minters),
		"tokens", len(cfg.Auth.Tokens),
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Storage.Driver {
		case config.StoragePostgres:
			s, err := postgres.NewStore(ctx, a.cfg.Storage.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = s
		default:
			a.store = memory.New()
		}
	}

	seeds := make([]store.Conversation, 0, len(a.cfg.Storage.Conversations))
	for _, c := range a.cfg.Storage.Conversations {
		seeds = append(seeds, store.Conversation{ID: c.ID, UserID: c.UserID})
	}
	if err := store.Seed(ctx, a.store, seeds); err != nil {
		a.store.Close()
		return fmt.Errorf("seed conversations: %w", err)
	}
	return nil
}

func (a *App) initBroker() error {
	if len(a.minters) == 0 {
		if a.registry == nil {
			a.registry = DefaultRegistry()
		}
		built, err := a.registry.CreateAll(a.cfg.Providers)
		if err != nil {
			return err
		}
		for i, m := range built {
			a.minters = append(a.minters, broker.NamedMinter{Name: a.cfg.Providers[i].DisplayName(), Minter: m})
		}
	}

	r := a.cfg.Resilience
	b, err := broker.New(a.store, a.minters, a.cfg.Voice, broker.Options{
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  r.MaxFailures,
			ResetTimeout: r.ResetTimeout,
			HalfOpenMax:  r.HalfOpenMax,
		},
		Metrics: a.metrics,
		Logger:  a.log,
	})
	if err != nil {
		return err
	}
	a.broker = b
	return nil
}

func (a *App) initServer() error {
	tokens := make(map[string]string, len(a.cfg.Auth.Tokens))
	for _, t := range a.cfg.Auth.Tokens {
		tokens[t.Token] = t.UserID
	}
	sc := server.Config{
		Broker:  a.broker,
		Store:   a.store,
		Tokens:  auth.NewTokens(tokens),
		Health:  a.health,
		Metrics: a.metrics,
	}
	if a.telemetry != nil {
		sc.MetricsHandler = a.telemetry.Handler()
		sc.MetricsPath = a.cfg.Telemetry.MetricsPath
	}
	srv, err := server.New(sc)
	if err != nil {
		return err
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Broker returns the session broker.
func (a *App) Broker() *broker.Broker { return a.broker }

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Addr blocks until Run is listening or ctx ends and returns the bound
// address.
func (a *App) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-a.ready:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ApplyConfig hot-applies the reloadable parts of a config change. The log
// level belongs to the caller's handler; sections listed in
// diff.RestartRequired are only logged.
func (a *App) ApplyConfig(diff config.ConfigDiff) {
	if diff.VoiceChanged {
		a.broker.SetDefaults(diff.NewVoice)
		a.log.Info("voice defaults reloaded", "voice", diff.NewVoice.Voice, "language", diff.NewVoice.Language)
	}
	if len(diff.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "sections", diff.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled
// or the listener fails. A watcher passed via [WithWatcher] runs alongside.
// When ctx ends Run calls [App.Shutdown] bounded by the configured shutdown
// timeout.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()
	close(a.ready)
	a.log.Info("listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = config.DefaultShutdownTimeout
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return a.Shutdown(sctx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown fails readiness, stops accepting requests, waits for in-flight
// requests and closes the store. It respects the ctx deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")
		a.health.Drain()

		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown", "err", err)
			shutdownErr = err
		}
		a.store.Close()

		if a.telemetry != nil {
			if err := a.telemetry.Shutdown(ctx); err != nil {
				a.log.Warn("telemetry shutdown", "err", err)
				shutdownErr = errors.Join(shutdownErr, err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
