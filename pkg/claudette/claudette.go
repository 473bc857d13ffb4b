// Package claudette is the embeddable facade over the router core. It wires
// the store, cache, secret resolution, backend adapters, router, and
// dispatcher, and owns their lifecycle.
//
// Startup order:
//  1. initStore    : embedded SQLite store (ledger + cache persistence)
//  2. initSecrets  : ENV/VAULT secret resolution
//  3. initBackends : one adapter per configured backend
//  4. initCore     : cache, router, dispatcher
package claudette

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	adapterbase "github.com/RobLe3/claudette-sub000/internal/backend"
	"github.com/RobLe3/claudette-sub000/internal/backend/anthropic"
	"github.com/RobLe3/claudette-sub000/internal/backend/generic"
	"github.com/RobLe3/claudette-sub000/internal/backend/openai"
	"github.com/RobLe3/claudette-sub000/internal/backend/selfhosted"
	"github.com/RobLe3/claudette-sub000/internal/cache"
	"github.com/RobLe3/claudette-sub000/internal/dispatcher"
	"github.com/RobLe3/claudette-sub000/internal/httpapi"
	"github.com/RobLe3/claudette-sub000/internal/metrics"
	"github.com/RobLe3/claudette-sub000/internal/router"
	"github.com/RobLe3/claudette-sub000/internal/secret"
	"github.com/RobLe3/claudette-sub000/internal/store"
	"github.com/RobLe3/claudette-sub000/pkg/backend"
	"github.com/RobLe3/claudette-sub000/pkg/config"
)

const (
	probeTimeout    = 5 * time.Second
	cleanupInterval = time.Hour
)

// Core owns all long-lived resources of the router.
type Core struct {
	cfg *config.Config
	log *slog.Logger

	store    *store.Store
	secrets  *secret.Manager
	cache    *cache.Cache
	backends map[string]backend.Backend
	router   *router.Router
	disp     *dispatcher.Dispatcher
	prom     *metrics.Registry
	server   *httpapi.Server

	stopCleanup context.CancelFunc
	closeOnce   sync.Once
}

// Option customises Core construction.
type Option func(*Core)

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Core) { c.log = log }
}

// New initialises all subsystems and returns a ready Core. Resources
// allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Core, error) {
	if ctx == nil {
		return nil, fmt.Errorf("claudette: context must not be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("claudette: config must not be nil")
	}

	c := &Core{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", c.initStore},
		{"secrets", c.initSecrets},
		{"backends", c.initBackends},
		{"core", c.initCore},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("claudette: init %s: %w", s.name, err)
		}
	}

	c.startBackgroundTasks(ctx)
	return c, nil
}

func (c *Core) initStore(context.Context) error {
	st, err := store.Open(c.cfg.Store.Path)
	if err != nil {
		return err
	}
	c.store = st
	return nil
}

func (c *Core) initSecrets(context.Context) error {
	c.secrets = secret.NewManager()

	// Vault is optional: register the resolver only when the environment is
	// configured for it, so deployments without Vault pay nothing.
	if os.Getenv("VAULT_ADDR") != "" {
		vr, err := secret.NewVaultResolver()
		if err != nil {
			return fmt.Errorf("vault resolver: %w", err)
		}
		c.secrets.Register("VAULT", vr)
	}
	return nil
}

func (c *Core) initBackends(context.Context) error {
	c.backends = make(map[string]backend.Backend, len(c.cfg.Backends))
	deps := adapterbase.Deps{
		Secrets:       c.secrets,
		Logger:        c.log,
		HealthTTL:     c.cfg.Routing.HealthTTL,
		LatencySeedMs: c.cfg.Routing.LatencySeedMs,
	}
	for name, desc := range c.cfg.Backends {
		b, err := newAdapter(desc, deps)
		if err != nil {
			return fmt.Errorf("backend %s: %w", name, err)
		}
		c.backends[name] = b
	}
	return nil
}

func (c *Core) initCore(context.Context) error {
	if c.cfg.Features.PerformanceMonitoring {
		c.prom = metrics.New()
	}
	if c.cfg.Features.Caching {
		c.cache = cache.New(
			c.cfg.Thresholds.MaxCacheEntries,
			c.cfg.Thresholds.MaxCacheBytes,
			c.store,
			c.log,
		)
	}
	c.router = router.New(c.backends, c.cfg.Routing, c.cfg.Features, c.log)
	c.disp = dispatcher.New(c.router, c.cache, c.store, c.cfg, c.prom, c.log)
	return nil
}

// newAdapter builds the adapter matching the descriptor's kind.
func newAdapter(desc backend.Descriptor, deps adapterbase.Deps) (backend.Backend, error) {
	switch desc.Kind {
	case backend.KindOpenAICloud:
		return openai.New(desc, deps), nil
	case backend.KindAnthropicCloud:
		return anthropic.New(desc, deps), nil
	case backend.KindOpenAISelfHosted:
		return selfhosted.New(desc, deps), nil
	case backend.KindGenericSelfHosted:
		return generic.New(desc, deps), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", desc.Kind)
	}
}

// startBackgroundTasks launches the best-effort startup probes and the store
// cleanup loop. Neither blocks construction.
func (c *Core) startBackgroundTasks(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.stopCleanup = cancel

	go c.probeAll(bgCtx)
	go c.cleanupLoop(bgCtx)
}

// probeAll pings every enabled backend in parallel so the first request sees
// warm health state.
func (c *Core) probeAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for name, b := range c.backends {
		if !b.Describe().Enabled {
			continue
		}
		name, b := name, b
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, probeTimeout)
			defer cancel()
			healthy := b.Healthy(probeCtx)
			c.log.Debug("startup probe", "backend", name, "healthy", healthy)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Core) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.store.Cleanup(ctx, c.cfg.Store.Retention); err != nil {
				c.log.Warn("store cleanup failed", "error", err)
			}
		}
	}
}

// Optimize runs one request through the dispatcher.
func (c *Core) Optimize(ctx context.Context, prompt string, files []string, opts *backend.Options) (*backend.Response, error) {
	return c.disp.Optimize(ctx, prompt, files, opts)
}

// Status is the aggregate runtime snapshot served by GET /status.
type Status struct {
	Backends []backend.Status  `json:"backends"`
	Cache    *cache.Stats      `json:"cache,omitempty"`
	Store    store.Health      `json:"store"`
	Ledger   store.LedgerStats `json:"ledger"`
}

// Status reports per-backend health, cache counters, and store health.
func (c *Core) Status(ctx context.Context) Status {
	s := Status{
		Backends: c.router.Snapshot(ctx),
		Store:    c.store.HealthCheck(ctx),
	}
	if c.cache != nil {
		cs := c.cache.Stats()
		s.Cache = &cs
	}
	if stats, err := c.store.Stats(ctx, 24*time.Hour); err == nil {
		s.Ledger = stats
	}
	return s
}

// RecentLedger returns ledger rows from the given window, newest first.
func (c *Core) RecentLedger(ctx context.Context, window time.Duration) ([]store.LedgerRow, error) {
	return c.store.RecentEntries(ctx, window)
}

// ClearCache drops every cached response, in memory and persisted.
func (c *Core) ClearCache(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Clear(ctx)
}

// Serve blocks running the HTTP API on addr until ctx is cancelled or the
// server fails.
func (c *Core) Serve(ctx context.Context, addr string) error {
	c.server = httpapi.New(c, httpapi.Options{
		Logger: c.log,
		Status: func(ctx context.Context) any { return c.Status(ctx) },
		Ready: func(ctx context.Context) bool {
			return c.store.HealthCheck(ctx).Healthy
		},
		Metrics: c.prom.Handler(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.server.ListenAndServe(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		return c.server.Shutdown()
	})
	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (c *Core) Close() {
	c.closeOnce.Do(func() {
		if c.stopCleanup != nil {
			c.stopCleanup()
		}
		if c.server != nil {
			if err := c.server.Shutdown(); err != nil {
				c.log.Error("server shutdown error", "error", err)
			}
		}
		if c.secrets != nil {
			if err := c.secrets.Close(); err != nil {
				c.log.Error("secret manager close error", "error", err)
			}
		}
		if c.store != nil {
			if err := c.store.Close(); err != nil {
				c.log.Error("store close error", "error", err)
			}
		}
	})
}

// NewLogger constructs the JSON logger shared by all subsystems. Unknown
// level strings default to INFO.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}))
}
