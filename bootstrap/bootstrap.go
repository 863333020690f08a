// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from a YAML file with COMPARELLM_* environment
// overrides, or from the environment alone.
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

	"github.com/artpar/comparellm/adapters/clock"
	"github.com/artpar/comparellm/adapters/gateway"
	"github.com/artpar/comparellm/adapters/hasher"
	apihttp "github.com/artpar/comparellm/adapters/http"
	"github.com/artpar/comparellm/adapters/http/admin"
	"github.com/artpar/comparellm/adapters/identity"
	"github.com/artpar/comparellm/adapters/idgen"
	"github.com/artpar/comparellm/adapters/memory"
	"github.com/artpar/comparellm/adapters/metrics"
	"github.com/artpar/comparellm/adapters/payment"
	"github.com/artpar/comparellm/adapters/sqlite"
	acmetls "github.com/artpar/comparellm/adapters/tls"
	"github.com/artpar/comparellm/app"
	"github.com/artpar/comparellm/config"
	"github.com/artpar/comparellm/domain/model"
	"github.com/artpar/comparellm/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	DB         *sqlite.DB // nil for the in-memory driver
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Registry   *model.Registry

	// Services
	Ledger        *app.LedgerService
	Compare       *app.CompareService
	Accounts      *app.AccountService
	Subscriptions *app.SubscriptionService
	Reconcile     *app.ReconcileService

	mu        sync.RWMutex
	cfg       *config.Config
	holder    *config.Holder
	stores    Stores
	recorder  *app.UsageRecorder
	admin     *admin.Handler
	scheduler *cron.Cron
	certs     *acmetls.Manager
	challenge *http.Server
}

// Stores groups the persistence adapters selected by database.driver.
type Stores struct {
	Accounts  ports.AccountStore
	Usage     ports.UsageStore
	Audit     ports.AuditStore
	Processed ports.ProcessedEventStore
}

// New creates and initializes the application from a loaded configuration.
func New(cfg *config.Config, version string) (*App, error) {
	return newApp(cfg, nil, version, os.Stdout)
}

// NewWithHotReload creates the application and keeps the reloadable
// settings in sync with the config file.
func NewWithHotReload(path, version string) (*App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	holder, err := config.NewHolder(path, NewLogger(cfg.Logging, os.Stdout))
	if err != nil {
		return nil, err
	}
	a, err := newApp(holder.Get(), holder, version, os.Stdout)
	if err != nil {
		holder.Stop()
		return nil, err
	}
	if err := holder.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch unavailable, SIGHUP reload only")
	}
	holder.WatchSignals()
	return a, nil
}

func newApp(cfg *config.Config, holder *config.Holder, version string, logOut io.Writer) (*App, error) {
	logger := NewLogger(cfg.Logging, logOut)
	logger.Info().Str("version", version).Msg("initializing comparellm")

	a := &App{
		Logger: logger,
		cfg:    cfg,
		holder: holder,
	}

	if err := a.initStorage(); err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Metrics = metrics.NewWithRegistry(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		logger.Info().Str("path", cfg.Metrics.Path).Msg("prometheus metrics enabled")
	}

	if err := a.initServices(); err != nil {
		a.closeStorage()
		return nil, err
	}

	router, err := a.buildRouter(metricsHandler, version)
	if err != nil {
		a.closeStorage()
		return nil, err
	}

	a.HTTPServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Server.TLS.Autocert.Enabled() {
		if err := a.initTLS(); err != nil {
			a.closeStorage()
			return nil, fmt.Errorf("init tls: %w", err)
		}
	}

	if err := a.initScheduler(); err != nil {
		a.closeStorage()
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	if holder != nil {
		holder.OnReload(a.Metrics.ConfigReloaded)
		holder.OnChange(a.applyReloadable)
	}

	logger.Info().Str("addr", a.HTTPServer.Addr).Msg("http server configured")
	return a, nil
}

// OpenStores opens the storage selected by database.driver. For sqlite it
// runs pending migrations. The returned DB is nil for the memory driver.
func OpenStores(cfg config.DatabaseConfig, logger zerolog.Logger) (*sqlite.DB, Stores, error) {
	if cfg.Driver == "memory" {
		logger.Warn().Msg("using in-memory storage, data is lost on restart")
		return nil, Stores{
			Accounts:  memory.NewAccountStore(),
			Usage:     memory.NewUsageStore(),
			Audit:     memory.NewAuditStore(),
			Processed: memory.NewProcessedEventStore(),
		}, nil
	}

	db, err := sqlite.Open(cfg.DSN)
	if err != nil {
		return nil, Stores{}, err
	}
	applied, err := db.Migrate()
	if err != nil {
		db.Close()
		return nil, Stores{}, fmt.Errorf("migrate: %w", err)
	}
	logger.Info().Str("dsn", cfg.DSN).Strs("applied", applied).Msg("database initialized")

	return db, Stores{
		Accounts:  sqlite.NewAccountStore(db),
		Usage:     sqlite.NewUsageStore(db),
		Audit:     sqlite.NewAuditStore(db),
		Processed: sqlite.NewProcessedEventStore(db),
	}, nil
}

func (a *App) initStorage() error {
	db, stores, err := OpenStores(a.cfg.Database, a.Logger)
	if err != nil {
		return err
	}
	a.DB = db
	a.stores = stores
	return nil
}

func (a *App) initServices() error {
	cfg := a.cfg
	logger := a.Logger

	catalog, err := cfg.Catalog()
	if err != nil {
		return fmt.Errorf("build catalog: %w", err)
	}
	a.Registry, err = model.NewRegistry(catalog)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	var serviceMetrics ports.Metrics
	if a.Metrics != nil {
		serviceMetrics = a.Metrics
	}

	clk := clock.Real{}
	ids := idgen.UUID{}

	a.recorder = app.NewUsageRecorder(
		a.stores.Usage,
		cfg.Ledger.UsageBatchSize,
		cfg.Ledger.UsageFlushInterval,
		logger.With().Str("component", "usage").Logger(),
	)

	a.Ledger = app.NewLedgerService(a.stores.Accounts, a.recorder, a.Registry, ids, clk, serviceMetrics,
		logger.With().Str("component", "ledger").Logger())
	a.Ledger.SetTestAccounts(cfg.Ledger.TestAccounts)

	backend := gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.BaseURL,
		APIKey:  cfg.Gateway.APIKey,
		Referer: cfg.Gateway.Referer,
		Title:   cfg.Gateway.Title,
	})
	a.Compare = app.NewCompareService(a.Registry, backend, a.Ledger, app.OpenAccess{}, serviceMetrics, app.CompareConfig{
		ModelTimeout:          cfg.Gateway.Timeout,
		DefaultSynthesisModel: cfg.Synthesis.DefaultModel,
	}, logger.With().Str("component", "compare").Logger())

	a.Accounts = app.NewAccountService(a.stores.Accounts, a.stores.Usage, clk,
		logger.With().Str("component", "accounts").Logger())

	var provider ports.PaymentProvider
	if cfg.Billing.Enabled() {
		provider = payment.NewStripeProvider(payment.StripeConfig{
			SecretKey:      cfg.Billing.StripeKey,
			WebhookSecrets: cfg.Billing.WebhookSecrets,
			APIURL:         cfg.Billing.APIURL,
		}, logger)
		logger.Info().Int("webhook_secrets", len(cfg.Billing.WebhookSecrets)).Msg("stripe billing enabled")
	} else {
		provider = payment.NewNoopProvider()
		logger.Warn().Msg("billing disabled, webhooks will be rejected")
	}

	a.Subscriptions = app.NewSubscriptionService(provider, a.stores.Accounts, clk, subscriptionConfig(cfg),
		logger.With().Str("component", "subscriptions").Logger())

	var directory ports.IdentityDirectory
	if cfg.Identity.DirectoryEnabled() {
		directory = identity.NewDirectory(identity.DirectoryConfig{
			AdminURL:   cfg.Identity.AdminURL,
			ServiceKey: cfg.Identity.ServiceKey,
		})
	}

	a.Reconcile = app.NewReconcileService(
		provider,
		a.stores.Accounts,
		a.stores.Audit,
		a.stores.Processed,
		app.DefaultResolvers(a.stores.Accounts, directory, clk),
		ids,
		clk,
		serviceMetrics,
		logger.With().Str("component", "reconcile").Logger(),
	)
	a.Reconcile.SetPlans(cfg.Billing.PlanPrices())

	logger.Info().
		Int("models", len(a.Registry.All())).
		Int("test_accounts", a.Ledger.TestAccountCount()).
		Bool("directory", directory != nil).
		Msg("services initialized")
	return nil
}

func subscriptionConfig(cfg *config.Config) app.SubscriptionConfig {
	return app.SubscriptionConfig{
		Prices:          cfg.Billing.TierPrices(),
		SuccessURL:      cfg.Billing.SuccessURL,
		CancelURL:       cfg.Billing.CancelURL,
		PortalReturnURL: cfg.Billing.PortalReturnURL,
	}
}

func (a *App) buildRouter(metricsHandler http.Handler, version string) (http.Handler, error) {
	cfg := a.cfg

	verifier, err := identity.NewVerifier(identity.VerifierConfig{
		Secret:   cfg.Identity.JWTSecret,
		Issuer:   cfg.Identity.Issuer,
		Audience: cfg.Identity.Audience,
		Leeway:   cfg.Identity.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("identity verifier: %w", err)
	}

	var health apihttp.HealthChecker
	var dbPinger admin.Pinger
	if a.DB != nil {
		health = a.DB
		dbPinger = a.DB
	}

	a.admin = admin.NewHandler(admin.Deps{
		Accounts:  a.Accounts,
		Audit:     a.stores.Audit,
		Hasher:    hasher.NewBcrypt(bcrypt.DefaultCost),
		TokenHash: []byte(cfg.Admin.TokenHash),
		Diagnostics: admin.Diagnostics{
			Version:          version,
			Database:         dbPinger,
			GatewayURL:       cfg.Gateway.BaseURL,
			Models:           len(a.Registry.All()),
			PaymentsEnabled:  cfg.Billing.Enabled(),
			DirectoryEnabled: cfg.Identity.DirectoryEnabled(),
			TestAccounts:     a.Ledger.TestAccountCount,
		},
		Logger: a.Logger,
	})
	if cfg.Admin.TokenHash == "" {
		a.Logger.Info().Msg("admin api disabled, no token hash configured")
	}

	return apihttp.NewRouter(
		apihttp.NewAPIHandler(a.Compare, a.Accounts, a.Subscriptions, a.Registry, a.Logger),
		apihttp.NewWebhookHandler(a.Reconcile, a.Logger),
		apihttp.NewAuthenticator(verifier, a.Accounts, a.Logger),
		apihttp.NewHealthHandler(health),
		a.Logger,
		apihttp.RouterConfig{
			Metrics:        a.Metrics,
			MetricsHandler: metricsHandler,
			MetricsPath:    cfg.Metrics.Path,
			AdminHandler:   a.admin.Router(),
			Version:        version,
		},
	), nil
}

func (a *App) initTLS() error {
	ac := a.cfg.Server.TLS.Autocert
	m, err := acmetls.NewManager(acmetls.Config{
		Domains:  ac.Domains,
		Email:    ac.Email,
		CacheDir: ac.CacheDir,
		Staging:  ac.Staging,
	}, a.Logger)
	if err != nil {
		return err
	}
	a.certs = m
	a.HTTPServer.TLSConfig = m.TLSConfig()
	a.challenge = &http.Server{
		Addr:         ":80",
		Handler:      m.HTTPHandler(nil),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return nil
}

func (a *App) initScheduler() error {
	a.scheduler = cron.New(cron.WithLogger(cronLogger{a.Logger.With().Str("component", "cron").Logger()}))
	_, err := a.scheduler.AddFunc(a.cfg.Billing.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := a.SweepProcessedEvents(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("processed event sweep failed")
		}
	})
	return err
}

// SweepProcessedEvents forgets processed billing event ids older than the
// configured retention.
func (a *App) SweepProcessedEvents(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-a.config().Billing.DedupRetention)
	n, err := a.stores.Processed.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	a.Logger.Info().Int64("removed", n).Time("before", cutoff).Msg("processed event ids pruned")
	return n, nil
}

// applyReloadable pushes hot-reloadable settings into running services.
func (a *App) applyReloadable(cfg *config.Config) {
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	a.Ledger.SetTestAccounts(cfg.Ledger.TestAccounts)
	a.Reconcile.SetPlans(cfg.Billing.PlanPrices())
	a.Subscriptions.SetConfig(subscriptionConfig(cfg))
	a.admin.SetTokenHash([]byte(cfg.Admin.TokenHash))

	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *App) config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.HTTPServer.Handler
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	a.scheduler.Start()

	// Start server in goroutine
	errCh := make(chan error, 2)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Bool("tls", a.certs != nil).
			Msg("starting http server")
		var err error
		if a.certs != nil {
			err = a.HTTPServer.ListenAndServeTLS("", "")
		} else {
			err = a.HTTPServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if a.challenge != nil {
		go func() {
			if err := a.challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("acme challenge server: %w", err)
			}
		}()
	}

	// Wait for interrupt or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.config().Server.ShutdownTimeout)
	defer cancel()

	if a.holder != nil {
		a.holder.Stop()
	}

	// Wait for a running sweep
	if a.scheduler != nil {
		select {
		case <-a.scheduler.Stop().Done():
		case <-ctx.Done():
		}
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}
	if a.challenge != nil {
		if err := a.challenge.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("acme challenge server shutdown error")
		}
	}

	// Flush usage recorder
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("usage recorder close error")
		}
	}

	a.closeStorage()

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func (a *App) closeStorage() {
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
		a.DB = nil
	}
}

// NewLogger builds the root logger. Unknown levels fall back to info.
func NewLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(out).With().Timestamp().Logger()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
