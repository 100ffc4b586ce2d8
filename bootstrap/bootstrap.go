// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from a YAML file with METERGATE_* environment overrides,
// or from the environment alone when no file exists.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/artpar/metergate/adapters/auth"
	"github.com/artpar/metergate/adapters/billingapi"
	"github.com/artpar/metergate/adapters/clock"
	apihttp "github.com/artpar/metergate/adapters/http"
	"github.com/artpar/metergate/adapters/memory"
	"github.com/artpar/metergate/adapters/metrics"
	"github.com/artpar/metergate/adapters/redis"
	"github.com/artpar/metergate/adapters/sqlite"
	"github.com/artpar/metergate/app"
	"github.com/artpar/metergate/config"
	"github.com/artpar/metergate/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options configures application initialization.
type Options struct {
	ConfigPath string    // YAML file; when missing the environment is used
	Version    string    // Reported by /version
	LogOutput  io.Writer // Defaults to os.Stdout
	Clock      ports.Clock
}

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	HTTPServer *http.Server
	Handler    http.Handler
	Metrics    *metrics.Collector // nil when metrics are disabled
	Registry   *prometheus.Registry
	Tiers      *app.Tiers
	Gateway    *app.Gateway

	// Set when configuration came from a file.
	holder *config.Holder

	// Adapters (for cleanup)
	cache    ports.Cache
	purger   *sqlite.Purger
	reporter *app.BillingReporter
	upstream *apihttp.UpstreamClient

	shutdownOnce sync.Once
	shutdownErr  error
}

// New loads configuration and creates the application.
func New(opts Options) (*App, error) {
	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			holder, err := config.NewHolder(opts.ConfigPath, NewLogger(config.LoggingConfig{}, opts.LogOutput))
			if err != nil {
				return nil, err
			}
			a, err := NewFromConfig(holder.Get(), opts)
			if err != nil {
				return nil, err
			}
			a.attachHolder(holder)
			return a, nil
		}
	}

	cfg, err := config.LoadWithFallback("")
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg, opts)
}

// NewFromConfig creates the application from an already loaded configuration.
// Nothing is listening until Run is called.
func NewFromConfig(cfg *config.Config, opts Options) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	logger := NewLogger(cfg.Logging, opts.LogOutput)
	logger.Info().Str("version", opts.Version).Msg("initializing metergate")

	a := &App{
		Logger: logger,
		Config: cfg,
	}

	if err := a.initCache(cfg, opts.Clock); err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	if err := a.initServices(cfg, opts); err != nil {
		a.closeAdapters()
		return nil, err
	}

	return a, nil
}

func (a *App) initCache(cfg *config.Config, clk ports.Clock) error {
	c := cfg.Cache

	switch c.Driver {
	case config.CacheDriverRedis:
		db := -1 // Use the URL's database
		if c.Redis.DB > 0 {
			db = c.Redis.DB
		}
		rc, err := redis.Open(context.Background(), redis.Options{
			URL:          c.Redis.URL,
			Password:     c.Redis.Password,
			DB:           db,
			PoolSize:     c.Redis.PoolSize,
			DialTimeout:  c.Redis.DialTimeout,
			ReadTimeout:  c.Redis.ReadTimeout,
			WriteTimeout: c.Redis.WriteTimeout,
		})
		if err != nil {
			return err
		}
		a.cache = rc

	case config.CacheDriverSQLite:
		db, err := sqlite.Open(c.SQLite.Path)
		if err != nil {
			return err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return fmt.Errorf("migrate: %w", err)
		}
		sc := sqlite.NewCache(db, clk)
		a.cache = sc
		a.purger = sqlite.NewPurger(sc, c.SQLite.PurgeSchedule, a.Logger)

	default:
		mc, err := memory.NewCache(c.Memory.Size, clk)
		if err != nil {
			return err
		}
		a.cache = mc
	}

	a.Logger.Info().Str("driver", c.Driver).Msg("shared cache ready")
	return nil
}

func (a *App) initServices(cfg *config.Config, opts Options) error {
	logger := a.Logger
	clk := opts.Clock

	// Metrics
	var m ports.Metrics = ports.NopMetrics{}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Metrics = metrics.NewWithRegistry(a.Registry)
		m = a.Metrics
		metricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
		logger.Info().Str("path", cfg.Metrics.Path).Msg("prometheus metrics enabled")
	}

	// Tiers
	reg, err := cfg.TierRegistry()
	if err != nil {
		return fmt.Errorf("tiers: %w", err)
	}
	a.Tiers = app.NewTiers(reg)
	if a.Metrics != nil {
		a.Metrics.TiersLoaded.Set(float64(len(reg.All())))
	}

	// Billing provider, absent when the active mode has no credential
	var provider ports.BillingProvider
	if apiKey := cfg.Billing.APIKey(); apiKey != "" {
		provider = billingapi.NewProvider(billingapi.NewClient(billingapi.ClientConfig{
			BaseURL: cfg.Billing.BaseURL,
			APIKey:  apiKey,
			Timeout: cfg.Billing.Timeout,
		}), logger)
		logger.Info().Str("mode", cfg.Billing.Mode).Msg("billing provider configured")
	} else {
		logger.Warn().Str("mode", cfg.Billing.Mode).Msg("no billing credential for mode, usage is served as zero and nothing is billed")
	}

	// Identity
	identity, err := buildIdentity(cfg, clk)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	// Upstream
	upstream, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{
		BaseURL:         cfg.Upstream.URL,
		Timeout:         cfg.Upstream.Timeout,
		MaxIdleConns:    cfg.Upstream.MaxIdleConns,
		IdleConnTimeout: cfg.Upstream.IdleConnTimeout,
	})
	if err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	a.upstream = upstream

	// Application services
	usageCache := app.NewUsageCache(app.UsageCacheDeps{
		Cache:    a.cache,
		Provider: provider,
		Clock:    clk,
		Logger:   logger,
		Metrics:  m,
	}, cfg.Usage.CacheTTL)

	a.reporter = app.NewBillingReporter(app.BillingReporterDeps{
		Provider: provider,
		Clock:    clk,
		Logger:   logger,
		Metrics:  m,
	}, cfg.Billing.ReportTimeout)

	a.Gateway = app.NewGateway(app.GatewayDeps{
		Identity: identity,
		Limiter:  app.NewRateLimiter(a.Tiers, a.cache, clk, logger, m),
		Quota:    app.NewQuotaEvaluator(a.Tiers, usageCache, clk, logger, m),
		Reporter: a.reporter,
		Upstream: upstream,
		Clock:    clk,
		Logger:   logger,
	})

	// HTTP
	a.Handler = apihttp.NewRouter(
		apihttp.NewProxyHandler(a.Gateway, logger, a.Metrics),
		apihttp.NewMeterHandler(a.Gateway, a.Tiers, logger),
		apihttp.NewHealthHandler(a.cache, upstream),
		logger,
		apihttp.RouterConfig{
			Metrics:        a.Metrics,
			MetricsHandler: metricsHandler,
			MetricsPath:    cfg.Metrics.Path,
			RequestTimeout: cfg.Server.RequestTimeout,
			Version:        opts.Version,
		},
	)

	a.HTTPServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return nil
}

// buildIdentity chains static keys ahead of bearer tokens.
func buildIdentity(cfg *config.Config, clk ports.Clock) (ports.IdentityResolver, error) {
	keys, err := auth.NewKeyResolver(cfg.APIKeys(), cfg.Auth.KeyPrefix, clk)
	if err != nil {
		return nil, err
	}
	chain := auth.Chain{keys}

	if cfg.Auth.JWTSecret != "" {
		tokens, err := auth.NewTokenResolver(cfg.Auth.JWTSecret, clk)
		if err != nil {
			return nil, err
		}
		chain = append(chain, tokens)
	}
	return chain, nil
}

func (a *App) attachHolder(h *config.Holder) {
	a.holder = h
	h.OnChange(a.applyConfig)
	h.OnError(func(error) {
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
	})
}

// applyConfig installs the reloadable parts of cfg.
func (a *App) applyConfig(cfg *config.Config) {
	reg, err := cfg.TierRegistry()
	if err != nil {
		// Load already validated the registry.
		a.Logger.Error().Err(err).Msg("reloaded tiers rejected")
		return
	}
	a.Tiers.Swap(reg)

	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if a.Metrics != nil {
		a.Metrics.ConfigReloads.Inc()
		a.Metrics.ConfigLastReload.SetToCurrentTime()
		a.Metrics.TiersLoaded.Set(float64(len(reg.All())))
	}

	a.Logger.Info().Int("tiers", len(reg.All())).Str("default_tier", reg.Default().Name).Msg("tiers reloaded")
}

// Reload re-reads the configuration file.
func (a *App) Reload() error {
	if a.holder == nil {
		return errors.New("configuration was not loaded from a file")
	}
	return a.holder.Reload()
}

// Run starts the server and blocks until ctx is done, SIGINT or SIGTERM
// arrives, or the server fails. The application is shut down on return.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.purger != nil {
		if err := a.purger.Start(ctx); err != nil {
			return errors.Join(err, a.Shutdown())
		}
	}

	if a.holder != nil {
		if err := a.holder.WatchFile(); err != nil {
			a.Logger.Warn().Err(err).Msg("config file watching disabled")
		}
		a.holder.WatchSignals()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Str("upstream", a.Config.Upstream.URL).
			Msg("metergate listening")

		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info().Msg("shutting down")
		return a.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops the application. Safe to call more than once.
func (a *App) Shutdown() error {
	a.shutdownOnce.Do(func() {
		timeout := a.Config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if a.HTTPServer != nil {
			if err := a.HTTPServer.Shutdown(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("http server shutdown error")
				a.shutdownErr = err
			}
		}

		// Pending usage events are delivered before the cache goes away.
		if a.reporter != nil {
			if err := a.reporter.Close(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("billing reporter did not drain")
				a.shutdownErr = errors.Join(a.shutdownErr, err)
			}
		}

		if a.holder != nil {
			a.holder.Stop()
		}

		a.closeAdapters()
		a.Logger.Info().Msg("shutdown complete")
	})
	return a.shutdownErr
}

func (a *App) closeAdapters() {
	if a.purger != nil {
		a.purger.Stop()
	}
	if a.upstream != nil {
		a.upstream.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("cache close error")
		}
	}
}

// NewLogger builds the process logger and sets the global level.
// A nil out means os.Stdout.
func NewLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}
