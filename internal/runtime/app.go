// Package runtime wires the analysis service from configuration and manages
// its lifecycle. App can run standalone or be embedded in a larger program.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/insight-pipeline/internal/adapters/policy/basic"
	"github.com/tjfontaine/insight-pipeline/internal/admission"
	"github.com/tjfontaine/insight-pipeline/internal/auth"
	"github.com/tjfontaine/insight-pipeline/internal/cache"
	"github.com/tjfontaine/insight-pipeline/internal/config"
	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
	"github.com/tjfontaine/insight-pipeline/internal/credential"
	"github.com/tjfontaine/insight-pipeline/internal/pipeline"
	"github.com/tjfontaine/insight-pipeline/internal/provider/openai"
	"github.com/tjfontaine/insight-pipeline/internal/server"
	"github.com/tjfontaine/insight-pipeline/internal/service"
	"github.com/tjfontaine/insight-pipeline/internal/storage"
	"github.com/tjfontaine/insight-pipeline/internal/telemetry"
	"github.com/tjfontaine/insight-pipeline/internal/tokens"
)

// App owns every long-lived component of the service.
type App struct {
	// Dependencies (injected via options)
	cfg        *config.Config
	logger     *slog.Logger
	store      ports.KVStore
	analyzer   ports.Analyzer
	admission  ports.AdmissionPolicy
	registry   *prometheus.Registry
	httpClient *http.Client

	// Built by New
	metrics  *telemetry.Metrics
	pool     *credential.Pool
	service  *service.Service
	server   *server.Server
	ownStore bool

	// Lifecycle management
	cancel  context.CancelFunc
	group   *errgroup.Group
	mu      sync.Mutex
	started bool
}

// New builds an App. A configuration is required (WithConfig or
// WithConfigFile); every other dependency is derived from it unless
// supplied by an option.
func New(opts ...Option) (*App, error) {
	app := &App{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if app.cfg == nil {
		return nil, errors.New("configuration required (use WithConfig or WithConfigFile)")
	}
	if err := app.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := app.build(); err != nil {
		if app.ownStore && app.store != nil {
			app.store.Close()
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build() error {
	cfg := a.cfg

	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	a.metrics = telemetry.NewMetrics(a.registry)

	if a.store == nil {
		store, err := storage.Open(storage.Config{Type: cfg.Storage.Type, Path: cfg.Storage.Path}, a.logger)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = store
		a.ownStore = true
	}

	pool, err := credential.NewPool(cfg.Upstream.Credentials)
	if err != nil {
		return fmt.Errorf("credential pool: %w", err)
	}
	a.pool = pool
	controller := credential.NewController(pool, credential.Options{
		MaxCycles:           cfg.Upstream.MaxCycles,
		MaxTransientRetries: cfg.Upstream.MaxTransientRetries,
		BaseDelay:           cfg.Upstream.BaseDelay,
		CallTimeout:         cfg.Upstream.CallTimeout,
		Logger:              a.logger,
		Metrics:             a.metrics,
	})

	if a.analyzer == nil {
		providerOpts := []openai.ProviderOption{openai.WithModel(cfg.Upstream.Model)}
		if cfg.Upstream.BaseURL != "" {
			providerOpts = append(providerOpts, openai.WithBaseURL(cfg.Upstream.BaseURL))
		}
		if a.httpClient != nil {
			providerOpts = append(providerOpts, openai.WithHTTPClient(a.httpClient))
		}
		a.analyzer = openai.New(providerOpts...)
	}

	var counter *tokens.Counter
	if cfg.Pipeline.MaxInputTokens > 0 {
		counter = tokens.NewCounter(cfg.Upstream.Model)
	}
	upstream := pipeline.NewUpstream(controller, a.analyzer, counter, cfg.Pipeline.MaxInputTokens)
	orchestrator := pipeline.NewOrchestrator(pipeline.DefaultStages(upstream), pipeline.Options{
		QualityThreshold: cfg.Pipeline.QualityThreshold,
		Logger:           a.logger,
		Metrics:          a.metrics,
	})

	if a.admission == nil {
		if cfg.Admission.Enabled {
			limits, err := admissionConfig(cfg.Admission)
			if err != nil {
				return err
			}
			a.admission = admission.NewController(a.store, limits,
				admission.WithLogger(a.logger),
				admission.WithMetrics(a.metrics),
			)
		} else {
			a.logger.Info("admission disabled, every request is allowed")
			a.admission = basic.NewPolicy()
		}
	}

	resultCache := cache.New(a.store,
		cache.WithDefaultTTL(cfg.Cache.TTL),
		cache.WithLogger(a.logger),
		cache.WithMetrics(a.metrics),
	)

	a.service = service.New(service.Config{
		Admission: a.admission,
		Cache:     resultCache,
		Runner:    orchestrator,
		CacheTTL:  cfg.Cache.TTL,
		Logger:    a.logger,
	})

	authenticator, err := authenticatorFor(cfg.Callers)
	if err != nil {
		return err
	}
	if authenticator.Anonymous() {
		a.logger.Info("no callers configured, identifying clients by address")
	}

	trusted, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	a.server = server.New(server.Config{
		Port:           cfg.Server.Port,
		Logger:         a.logger,
		Authenticator:  authenticator,
		RequestTimeout: cfg.Server.RequestTimeout,
		Gatherer:       a.registry,
		TrustedProxies: trusted,
	}, server.NewHandler(a.service, a.logger))

	return nil
}

func admissionConfig(c config.AdmissionConfig) (admission.Config, error) {
	limits := admission.Config{
		RateLimitPerMinute: c.RateLimitPerMinute,
		DailyLimits:        make(map[domain.Tier]int, len(c.DailyLimits)),
		FailClosed:         c.FailClosed,
	}
	for name, limit := range c.DailyLimits {
		tier, err := domain.ParseTier(name)
		if err != nil {
			return admission.Config{}, fmt.Errorf("admission.daily_limits: %w", err)
		}
		limits.DailyLimits[tier] = limit
	}
	return limits, nil
}

func authenticatorFor(callers []config.CallerConfig) (*auth.Authenticator, error) {
	keys := make([]auth.CallerKey, 0, len(callers))
	for _, c := range callers {
		tier, err := domain.ParseTier(c.Tier)
		if err != nil {
			return nil, fmt.Errorf("caller %s: %w", c.ID, err)
		}
		keys = append(keys, auth.CallerKey{
			Caller:  domain.Caller{ID: c.ID, Tier: tier},
			KeyHash: c.KeyHash,
		})
	}
	authenticator, err := auth.NewAuthenticator(keys)
	if err != nil {
		return nil, fmt.Errorf("callers: %w", err)
	}
	return authenticator, nil
}

// Service returns the analysis facade, for embedding without HTTP.
func (a *App) Service() *service.Service {
	return a.service
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.server.Router
}

// Start launches the HTTP server and the expired-row purge loop in the
// background. Use Wait to block until they stop.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.New("already started")
	}
	a.started = true

	ctx, a.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	a.group = g

	g.Go(a.server.Start)
	g.Go(func() error {
		a.purgeLoop(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	a.logger.Info("insight pipeline started",
		slog.Int("port", a.cfg.Server.Port),
		slog.String("storage", a.cfg.Storage.Type),
		slog.Int("credentials", a.pool.Size()),
		slog.String("model", a.cfg.Upstream.Model))
	return nil
}

// Wait blocks until the background goroutines exit and returns the first error.
func (a *App) Wait() error {
	a.mu.Lock()
	g := a.group
	a.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Shutdown stops the server, waits for in-flight requests, and closes storage.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	cancel, g := a.cancel, a.group
	a.mu.Unlock()

	a.logger.Info("shutting down")

	var errs []error
	if cancel != nil {
		cancel()
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if a.ownStore {
		if err := a.store.Close(); err != nil {
			a.logger.Error("failed to close storage", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// purgeLoop physically removes expired rows on cache.purge_interval.
func (a *App) purgeLoop(ctx context.Context) {
	interval := a.cfg.Cache.PurgeInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.store.PurgeExpired(ctx)
			if err != nil {
				a.logger.Warn("purge expired rows failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.Debug("purged expired rows", slog.Int("count", n))
			}
		}
	}
}
