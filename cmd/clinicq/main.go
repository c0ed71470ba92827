package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicq/internal/clock"
	"clinicq/internal/config"
	"clinicq/internal/engine"
	"clinicq/internal/httpapi"
	"clinicq/internal/hub"
	"clinicq/internal/logging"
	"clinicq/internal/relay"
	"clinicq/internal/store"
	"clinicq/internal/store/memory"
	"clinicq/internal/store/postgres"
	"clinicq/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinicq",
		Short:        "Clinic ticket queue and schedule matching service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(relayCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, realtime hub and outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL migrations and optionally seed schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			seed, _ := cmd.Flags().GetString("seed")
			return runMigrate(dir, seed)
		},
	}
	cmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.Flags().String("seed", "", "JSON file of physician schedules to upsert")
	return cmd
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run the outbox relay to RabbitMQ without the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay()
		},
	}
}

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  store.Store
	pool   *pgxpool.Pool
}

func (rt *app) Close() {
	if rt.pool != nil {
		rt.pool.Close()
	}
	_ = rt.logger.Sync()
}

// bootstrap loads config and opens the store: Postgres when DB_DSN is set,
// otherwise an in-memory store seeded from SCHEDULE_SEED_FILE.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(string(cfg.App.Env))
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	rt := &app{cfg: cfg, logger: logger}

	if cfg.Database.DSN == "" {
		mem := memory.NewStore()
		if cfg.Database.ScheduleSeedFile != "" {
			count, err := mem.LoadSchedules(cfg.Database.ScheduleSeedFile)
			if err != nil {
				return nil, fmt.Errorf("seed schedules: %w", err)
			}
			logger.Info("schedules loaded", zap.Int("count", count), zap.String("file", cfg.Database.ScheduleSeedFile))
		}
		logger.Warn("DB_DSN not set, using in-memory store")
		rt.store = mem
		return rt, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	rt.pool = pool
	rt.store = postgres.NewStore(pool)
	return rt, nil
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logger := rt.cfg, rt.logger

	shutdownTelemetry := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "clinicq",
		Environment: string(cfg.App.Env),
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	cacheSize := 0
	if cfg.Cache.Enabled {
		cacheSize = cfg.Cache.Size
	}
	eng, err := engine.New(rt.store, engine.Options{
		Timeout:   cfg.OperationTimeout(),
		CacheSize: cacheSize,
		Days:      clock.NewDayKeyer(clock.System{}, cfg.Location()),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	realtime := hub.New(logger)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimit.PerMinute,
		IPBurst:         cfg.RateLimit.Burst,
		ClinicPerMinute: cfg.RateLimit.ClinicPerMinute,
		ClinicBurst:     cfg.RateLimit.ClinicBurst,
		MaxKeys:         cfg.RateLimit.MaxKeys,
		TrustProxy:      cfg.RateLimit.TrustProxy,
	})

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.NewHandler(eng, logger).Routes())
	mux.Handle("/realtime/", realtime.Handler("/realtime"))

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(logger)(limiter.Middleware(mux)), "clinicq")
	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.Relay.Enabled {
		var publisher relay.Publisher
		if cfg.RabbitMQ.Enabled {
			amqpPublisher, err := relay.DialAMQP(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
			if err != nil {
				return err
			}
			defer amqpPublisher.Close()
			publisher = amqpPublisher
		}
		r := relay.New(rt.store, realtime, publisher, relay.Config{Consumer: cfg.Relay.Consumer, BatchSize: cfg.Relay.BatchSize}, logger)
		go r.Start(ctx, cfg.RelayInterval())
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("clinicq listening", zap.String("addr", server.Addr), zap.String("timezone", cfg.App.Timezone))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

func runMigrate(dir, seed string) error {
	ctx := context.Background()
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.pool == nil {
		return errors.New("migrate requires DB_DSN")
	}

	applied, err := postgres.ApplyMigrations(ctx, rt.pool, dir)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	rt.logger.Info("migrations applied", zap.Int("count", applied), zap.String("dir", dir))

	if seed == "" {
		return nil
	}
	schedules, err := store.ReadScheduleFile(seed)
	if err != nil {
		return err
	}
	pg := postgres.NewStore(rt.pool)
	for _, schedule := range schedules {
		if err := pg.UpsertSchedule(ctx, schedule); err != nil {
			return fmt.Errorf("seed schedule %s: %w", schedule.ScheduleID, err)
		}
	}
	rt.logger.Info("schedules seeded", zap.Int("count", len(schedules)))
	return nil
}

func runRelay() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg
	if rt.pool == nil {
		return errors.New("relay requires DB_DSN")
	}
	if !cfg.RabbitMQ.Enabled {
		return errors.New("relay requires RABBITMQ_ENABLED")
	}

	publisher, err := relay.DialAMQP(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, rt.logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	r := relay.New(rt.store, nil, publisher, relay.Config{Consumer: cfg.Relay.Consumer, BatchSize: cfg.Relay.BatchSize}, rt.logger)
	rt.logger.Info("relay started", zap.String("consumer", cfg.Relay.Consumer), zap.String("exchange", cfg.RabbitMQ.Exchange))
	r.Start(ctx, cfg.RelayInterval())
	return nil
}
