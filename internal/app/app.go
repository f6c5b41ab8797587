// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/incident-engine/internal/audit"
	auditkafka "github.com/bissquit/incident-engine/internal/audit/kafka"
	auditredis "github.com/bissquit/incident-engine/internal/audit/redis"
	auditwebhook "github.com/bissquit/incident-engine/internal/audit/webhook"
	"github.com/bissquit/incident-engine/internal/config"
	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/idempotency"
	idempotencymemory "github.com/bissquit/incident-engine/internal/idempotency/memory"
	idempotencypostgres "github.com/bissquit/incident-engine/internal/idempotency/postgres"
	"github.com/bissquit/incident-engine/internal/identity/jwt"
	"github.com/bissquit/incident-engine/internal/incidents"
	incidentsmemory "github.com/bissquit/incident-engine/internal/incidents/memory"
	incidentspostgres "github.com/bissquit/incident-engine/internal/incidents/postgres"
	"github.com/bissquit/incident-engine/internal/pkg/ctxlog"
	"github.com/bissquit/incident-engine/internal/pkg/httputil"
	"github.com/bissquit/incident-engine/internal/pkg/metrics"
	"github.com/bissquit/incident-engine/internal/pkg/postgres"
	"github.com/bissquit/incident-engine/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	emitter       *audit.Emitter
	service       *incidents.Service
	auth          *jwt.Authenticator
}

// New creates a new application instance. Background workers are started;
// call Shutdown to release them even if Run is never called.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		metricsCancel: metricsCancel,
		auth: jwt.NewAuthenticator(jwt.Config{
			SecretKey:           cfg.JWT.SecretKey,
			Issuer:              cfg.JWT.Issuer,
			AccessTokenDuration: cfg.JWT.AccessTokenDuration,
		}),
	}

	if cfg.Storage.Mode == config.StoragePostgres {
		db, err := connectDB(cfg.Database)
		if err != nil {
			metricsCancel()
			return nil, err
		}
		app.db = db
		go app.collectDBMetrics(metricsCtx)
	}

	emitter, err := app.setupEmitter(metricsCtx)
	if err != nil {
		app.closeDB()
		metricsCancel()
		return nil, fmt.Errorf("setup audit emitter: %w", err)
	}
	app.emitter = emitter

	app.service = app.setupService()

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func connectDB(cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	db, err := postgres.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func (a *App) setupEmitter(ctx context.Context) (*audit.Emitter, error) {
	cfg := a.config.Audit

	var publisher audit.Publisher
	switch cfg.Bus {
	case config.BusNone:
		slog.Warn("audit bus is disabled: facts will not be published")
		return nil, nil
	case config.BusKafka:
		publisher = auditkafka.NewPublisher(auditkafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		})
	case config.BusRedis:
		p, err := auditredis.NewPublisher(ctx, auditredis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			MaxLen:   cfg.Redis.MaxLen,
		})
		if err != nil {
			return nil, err
		}
		publisher = p
	case config.BusWebhook:
		publisher = auditwebhook.NewPublisher(auditwebhook.Config{
			URL:     cfg.Webhook.URL,
			Timeout: cfg.Webhook.Timeout,
			Headers: cfg.Webhook.Headers,
		})
	default:
		publisher = audit.NewLogPublisher(a.logger)
	}

	slog.Info("audit configured",
		"bus", cfg.Bus,
		"topic", cfg.Topic,
		"workers", cfg.Workers,
		"queue_size", cfg.QueueSize,
	)

	emitter := audit.NewEmitter(audit.EmitterConfig{
		Topic:          cfg.Topic,
		QueueSize:      cfg.QueueSize,
		NumWorkers:     cfg.Workers,
		PublishTimeout: cfg.PublishTimeout,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,

		MaxAttempts:       cfg.MaxAttempts,
		InitialBackoff:    cfg.RetryInitialBackoff,
		MaxBackoff:        cfg.RetryMaxBackoff,
		BackoffMultiplier: cfg.RetryMultiplier,
	}, publisher)
	emitter.Start(ctx)

	return emitter, nil
}

func (a *App) setupService() *incidents.Service {
	var (
		incidentRepo    incidents.IncidentRepository
		eventRepo       incidents.EventRepository
		idempotencyRepo idempotency.Repository
	)

	if a.db != nil {
		repo := incidentspostgres.NewRepository(a.db)
		incidentRepo, eventRepo = repo, repo
		idempotencyRepo = idempotencypostgres.NewRepository(a.db)
	} else {
		slog.Warn("using in-memory storage: state is lost on restart")
		repo := incidentsmemory.NewRepository()
		incidentRepo, eventRepo = repo, repo
		idempotencyRepo = idempotencymemory.NewRepository()
	}

	coordinator := idempotency.NewCoordinator(idempotencyRepo, idempotency.PollConfig{
		InitialDelay: a.config.Idempotency.PollInitialDelay,
		Multiplier:   a.config.Idempotency.PollMultiplier,
		MaxDelay:     a.config.Idempotency.PollMaxDelay,
		Timeout:      a.config.Idempotency.PollTimeout,
	})

	// A nil *audit.Emitter must not reach the interface.
	var emitter incidents.FactEmitter
	if a.emitter != nil {
		emitter = a.emitter
	}

	return incidents.NewService(incidentRepo, eventRepo, coordinator, emitter)
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"storage", a.config.Storage.Mode,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	// Drain audit facts after the last request has been served.
	if a.emitter != nil {
		a.emitter.Stop()
	}

	a.metricsCancel()
	a.closeDB()

	return errors.Join(errs...)
}

func (a *App) closeDB() {
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// an owner that has not settled its key well past the poll timeout is stale
	collector := metrics.NewStoreCollector(a.db, max(2*a.config.Idempotency.PollTimeout, time.Minute))
	collect := func() {
		sampleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := collector.Collect(sampleCtx); err != nil && ctx.Err() == nil {
			a.logger.Warn("failed to collect store metrics", "error", err)
		}
	}

	collect()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			collect()
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Service returns the incident engine.
func (a *App) Service() *incidents.Service {
	return a.service
}

// Authenticator returns the bearer token authenticator.
func (a *App) Authenticator() *jwt.Authenticator {
	return a.auth
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	incidentsHandler := incidents.NewHandler(a.service)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(a.auth))
		r.Use(httputil.WithActor)

		incidentsHandler.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleOperator))
			incidentsHandler.RegisterOperatorRoutes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleApprover))
			incidentsHandler.RegisterApproverRoutes(r)
		})
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		httputil.Text(w, http.StatusOK, "OK")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
