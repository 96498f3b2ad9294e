// Package app wires all voxgate subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order so that no utterance that reached the
// engine is lost.
//
// For testing, inject test doubles via functional options (WithTargets,
// WithMetrics, etc.). When an option is not provided, New creates the real
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/delivery"
	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
)

// readHeaderTimeout bounds the request line and headers. Websocket sessions
// are long-lived, so no read or write timeout is set on the server.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	mu  sync.Mutex
	cfg *config.Config

	log      *slog.Logger
	levelVar *slog.LevelVar
	metrics  *observe.Metrics
	registry *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	results    *delivery.Results
	targets    []delivery.Target
	dispatcher *delivery.Dispatcher
	gateway    *gateway.Server
	health     *health.Handler
	handler    http.Handler
	metricsH   http.Handler
	httpServer *http.Server

	// closers run in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTargets uses targets instead of building them from cfg.Delivery. The
// App takes ownership and closes them on Shutdown.
func WithTargets(targets ...delivery.Target) Option {
	return func(a *App) { a.targets = targets }
}

// WithRegistry builds targets from reg instead of the built-in registry.
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithResults injects the results hub shared by targets and sessions.
func WithResults(hub *delivery.Results) Option {
	return func(a *App) { a.results = hub }
}

// WithMetrics sets the metrics instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the Prometheus scrape handler.
// Default: promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// WithLevelVar lets ApplyConfig change the log level at runtime. main passes
// the LevelVar its handler was built with.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must have been
// loaded (defaults applied and validated) by the config package.
//
// New performs all initialisation synchronously: delivery targets are
// constructed (network targets that dial eagerly, like postgres, connect
// here), the dispatcher starts its workers and the HTTP routes are built.
// Nothing listens until Run or Serve is called.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsH == nil {
		a.metricsH = promhttp.Handler()
	}
	if a.results == nil {
		a.results = delivery.NewResults()
	}

	// ── 1. Delivery targets ──────────────────────────────────────────────
	if err := a.initTargets(); err != nil {
		return nil, fmt.Errorf("app: init targets: %w", err)
	}

	// ── 2. Dispatcher ────────────────────────────────────────────────────
	a.dispatcher = delivery.NewDispatcher(a.targets,
		delivery.WithQueueSize(cfg.Delivery.QueueSize),
		delivery.WithTimeout(cfg.Delivery.Timeout),
		delivery.WithMetrics(a.metrics),
		delivery.WithLogger(a.log),
	)

	// ── 3. Gateway ───────────────────────────────────────────────────────
	gw, err := gateway.NewServer(gateway.Config{
		DefaultSampleRate: cfg.Gateway.DefaultSampleRate,
		MaxSampleRate:     cfg.Gateway.MaxSampleRate,
		PushToTalk:        cfg.Gateway.PushToTalk,
		ReadLimit:         cfg.Server.ReadLimitBytes,
		OriginPatterns:    cfg.Gateway.OriginPatterns,
		Endpoint:          cfg.Endpoint,
	}, a.dispatcher,
		gateway.WithResults(a.results),
		gateway.WithMetrics(a.metrics),
		gateway.WithLogger(a.log),
	)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return nil, errors.Join(fmt.Errorf("app: init gateway: %w", err), a.dispatcher.Close(closeCtx))
	}
	a.gateway = gw

	// ── 4. Health + routes ───────────────────────────────────────────────
	a.health = health.New(health.TargetCheckers(a.targets)...)
	a.handler = a.routes()
	a.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}

	// ── 5. Shutdown order ────────────────────────────────────────────────
	// Stop accepting connections, then end open sessions (which force-ends
	// their engines into the dispatcher), then drain deliveries.
	a.closers = append(a.closers,
		a.httpServer.Shutdown,
		a.gateway.Shutdown,
		a.dispatcher.Close,
	)

	a.log.InfoContext(ctx, "app initialised",
		"targets", len(a.targets),
		"queue_size", cfg.Delivery.QueueSize,
		"push_to_talk", cfg.Gateway.PushToTalk,
	)
	return a, nil
}

func (a *App) initTargets() error {
	if a.targets != nil {
		return nil
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltinTargets(a.registry, a.results, a.log)
	}
	targets, err := BuildTargets(a.cfg.Delivery, a.registry, a.log)
	if err != nil {
		return err
	}
	a.targets = targets
	for _, t := range targets {
		a.log.Info("delivery target ready", "target", t.Name())
	}
	return nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.gateway)
	a.health.Register(mux)
	path := a.cfg.Telemetry.MetricsPath
	if path == "" {
		path = config.DefaultMetricsPath
	}
	mux.Handle("GET "+path, a.metricsH)
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the root HTTP handler: /ws, /healthz, /readyz and the
// metrics path, wrapped in the tracing middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Results returns the hub that transcribing targets publish into.
func (a *App) Results() *delivery.Results { return a.results }

// Gateway returns the websocket ingest server.
func (a *App) Gateway() *gateway.Server { return a.gateway }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on cfg.Server.ListenAddr and serves until ctx is cancelled.
// It returns ctx.Err() on cancellation; call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or the server fails. TLS is
// enabled when cfg.Server.TLS is set.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpServer.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.Serve(ln)
		}
		errCh <- err
	}()

	a.log.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of d: log level, endpoint
// tunables (new sessions only) and push-to-talk (all sessions). Keys in
// d.RestartRequired are left alone. It has the [config.ReloadFunc] shape so
// it can be handed to the config watcher.
func (a *App) ApplyConfig(next *config.Config, d config.ConfigDiff) {

	if d.LogLevelChanged {
		if a.levelVar != nil {
			a.levelVar.Set(d.NewLogLevel.SlogLevel())
		}
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.EndpointChanged {
		if err := a.gateway.SetEndpointConfig(d.NewEndpoint); err != nil {
			a.log.Error("endpoint config rejected, keeping previous", "err", err)
		} else {
			a.log.Info("endpoint config updated; applies to new sessions")
		}
	}
	if d.PushToTalkChanged {
		a.gateway.SetPushToTalk(d.NewPushToTalk)
		a.log.Info("push-to-talk changed", "enabled", d.NewPushToTalk)
	}
	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()
}

// Config returns the config most recently applied.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining and runs the closers in order: the
// HTTP server, the websocket sessions, then the delivery dispatcher (which
// closes the targets). It is safe to call more than once; only the first call
// does any work.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		a.health.SetDraining(true)

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(append(errs, ctx.Err())...)
				return
			default:
			}
			if err := closer(ctx); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
