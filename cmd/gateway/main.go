package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"

	"github.com/casaflow/gateway/pkg/apikeys"
	"github.com/casaflow/gateway/pkg/config"
	"github.com/casaflow/gateway/pkg/gateway"
	"github.com/casaflow/gateway/pkg/observability"
	"github.com/casaflow/gateway/pkg/ratelimit"
	"github.com/casaflow/gateway/pkg/webhooks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogPretty, os.Stdout)

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	// Credential store.
	store, closeStore, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	if closeStore != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error { return closeStore() })
	}
	keys := apikeys.NewService(store, logger, metrics)

	// Rate limiter.
	rules, err := loadRules(ctx, cfg.RateLimit, logger)
	if err != nil {
		return err
	}
	limiter, err := buildLimiter(ctx, cfg.RateLimit, rules, logger, metrics, shutdown)
	if err != nil {
		return err
	}

	// Webhook registry and delivery engine.
	registry := webhooks.NewRegistry()
	engine := webhooks.NewEngine(registry, webhooks.EngineConfig{
		QueueSize: cfg.Webhooks.QueueSize,
		Workers:   cfg.Webhooks.Workers,
		Timeout:   cfg.Webhooks.DeliveryTimeout,
		LogSize:   cfg.Webhooks.LogSize,
	}, logger, metrics)
	engine.Start(ctx)
	shutdown.RegisterShutdownFunc(func(context.Context) error { return engine.Stop() })

	// Dispatcher and resource handlers.
	dispatcher := gateway.NewDispatcher(keys, limiter, engine, logger, metrics, cfg.Production)
	if err := gateway.RegisterResourceHandlers(dispatcher, registry); err != nil {
		return err
	}

	// Scheduled maintenance: expired credentials are purged hourly.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@hourly", func() { keys.SweepExpired(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule key sweep: %w", err)
	}
	scheduler.Start()
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
		case <-ctx.Done():
		}
		return nil
	})

	// Public API surface.
	apiRouter := mux.NewRouter()
	gateway.NewServer(dispatcher).RegisterRoutes(apiRouter)
	apiServer := newHTTPServer(cfg.Server, cfg.Server.Port, apiRouter)

	// Management surface: key and webhook administration, not key-authenticated.
	adminRouter := mux.NewRouter()
	admin := adminRouter.PathPrefix("/admin/v1").Subrouter()
	apikeys.NewHandlers(keys).RegisterRoutes(admin)
	webhooks.NewHandlers(registry, engine).RegisterRoutes(admin)
	adminServer := newHTTPServer(cfg.Server, cfg.Server.AdminPort, adminRouter)

	// Health and metrics, on their own port for probes.
	healthRouter := mux.NewRouter()
	healthRouter.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if metrics != nil {
		healthRouter.Handle("/metrics", metrics.Handler())
	}
	healthServer := newHTTPServer(cfg.Server, cfg.Server.HealthPort, healthRouter)

	for _, server := range []*http.Server{apiServer, adminServer, healthServer} {
		shutdown.RegisterServer(server)
		go func(s *http.Server) {
			logger.Infof("listening on %s", s.Addr)
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("http server failed")
			}
		}(server)
	}

	logger.WithFields(map[string]interface{}{
		"storage":    cfg.Storage.Type,
		"production": cfg.Production,
	}).Info("gateway started")

	return shutdown.WaitForShutdown()
}

// openStore builds the credential store backend. The returned closer is nil
// for the in-memory backend.
func openStore(cfg config.StorageConfig) (apikeys.Store, func() error, error) {
	switch cfg.Type {
	case "memory":
		return apikeys.NewMemoryStore(), nil, nil
	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		store := apikeys.NewSQLStore(db)
		if err := store.Migrate(context.Background()); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to migrate sqlite store: %w", err)
		}
		return store, db.Close, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		store := apikeys.NewSQLStore(db)
		if err := store.Migrate(context.Background()); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to migrate postgres store: %w", err)
		}
		return store, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// loadRules builds the rate limit rule table, optionally from a watched file.
func loadRules(ctx context.Context, cfg config.RateLimitConfig, logger *observability.Logger) (*ratelimit.Rules, error) {
	if cfg.RulesPath == "" {
		return ratelimit.NewRules(nil)
	}

	loaded, err := ratelimit.LoadRulesFile(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	rules, err := ratelimit.NewRules(loaded)
	if err != nil {
		return nil, err
	}
	if err := ratelimit.WatchRulesFile(ctx, cfg.RulesPath, rules, logger); err != nil {
		return nil, fmt.Errorf("failed to watch rules file: %w", err)
	}
	logger.Infof("loaded %d rate limit rules from %s", len(loaded), cfg.RulesPath)
	return rules, nil
}

// buildLimiter picks in-process counters or shared Redis counters.
func buildLimiter(ctx context.Context, cfg config.RateLimitConfig, rules *ratelimit.Rules, logger *observability.Logger, metrics *observability.Metrics, shutdown *observability.ShutdownManager) (ratelimit.Evaluator, error) {
	if cfg.RedisURL == "" {
		limiter := ratelimit.NewLimiter(rules, logger, metrics)
		limiter.StartSweeping(ctx, cfg.SweepInterval)
		return limiter, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisDB != 0 {
		opts.DB = cfg.RedisDB
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	shutdown.RegisterShutdownFunc(func(context.Context) error { return client.Close() })
	return ratelimit.NewRedisLimiter(client, rules, logger, metrics), nil
}

func newHTTPServer(cfg config.ServerConfig, port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Host + ":" + port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
