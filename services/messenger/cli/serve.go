package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-messenger/internal/idempotency"
	"github.com/ramiqadoumi/go-messenger/internal/kafka"
	"github.com/ramiqadoumi/go-messenger/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-messenger/internal/redis"
	"github.com/ramiqadoumi/go-messenger/internal/sqlite"
	"github.com/ramiqadoumi/go-messenger/internal/version"
	"github.com/ramiqadoumi/go-messenger/pkg/retry"
	"github.com/ramiqadoumi/go-messenger/pkg/telemetry"
	"github.com/ramiqadoumi/go-messenger/services/messenger/audit"
	"github.com/ramiqadoumi/go-messenger/services/messenger/config"
	"github.com/ramiqadoumi/go-messenger/services/messenger/handler"
	"github.com/ramiqadoumi/go-messenger/services/messenger/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("record-store", config.StorePostgres, "execution record backend: postgres | redis | sqlite")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port); empty disables Redis")
	serveCmd.Flags().String("sqlite-path", "messenger-records.db", "SQLite file for record-store=sqlite")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables events")
	serveCmd.Flags().String("kafka-topic", "messages.created", "topic for message.created events")
	serveCmd.Flags().Int("rate-limit", 0, "message creations allowed per username per window; 0 disables")
	serveCmd.Flags().Duration("rate-window", time.Minute, "rate limit window")
	serveCmd.Flags().Duration("finalize-timeout", 5*time.Second, "time allowed to record an outcome")
	serveCmd.Flags().Duration("stale-after", 15*time.Minute, "age after which a processing record is reported")
	serveCmd.Flags().String("audit-schedule", "@every 1m", "cron schedule of the stale record audit; empty disables")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("record_store", serveCmd.Flags(), "record-store")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("sqlite_path", serveCmd.Flags(), "sqlite-path")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("kafka_topic", serveCmd.Flags(), "kafka-topic")
	bindFlag("rate_limit", serveCmd.Flags(), "rate-limit")
	bindFlag("rate_window", serveCmd.Flags(), "rate-window")
	bindFlag("finalize_timeout", serveCmd.Flags(), "finalize-timeout")
	bindFlag("stale_after", serveCmd.Flags(), "stale-after")
	bindFlag("audit_schedule", serveCmd.Flags(), "audit-schedule")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// recordBackend is an execution record store the audit can inspect.
type recordBackend interface {
	idempotency.RecordStore
	audit.StaleCounter
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := buildLogger(cfg.LogLevel, "messenger")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "messenger",
		ServiceVersion: version.Version,
		Endpoint:       cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	pool, err := connectPostgres(cfg.PostgresDSN, logger)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	var redisClient *goredis.Client
	if cfg.RedisAddr != "" {
		redisClient = redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
	}

	records, closeRecords, err := openRecordStore(cfg, pool, redisClient)
	if err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	defer func() { _ = closeRecords.Close() }()

	coordinator := idempotency.NewCoordinator(records,
		idempotency.WithLogger(logger),
		idempotency.WithContextLogger(middleware.Logger),
		idempotency.WithFinalizeTimeout(cfg.FinalizeTimeout),
	)

	var events kafka.Publisher = kafka.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		events = kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	defer func() { _ = events.Close() }()

	var createMiddleware []func(http.Handler) http.Handler
	if cfg.RateLimit > 0 {
		limiter := redisstore.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateWindow)
		createMiddleware = append(createMiddleware, middleware.RateLimit(limiter))
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if cfg.AuditSchedule != "" {
		auditor := audit.NewAuditor(records, cfg.StaleAfter, logger)
		if err := auditor.Start(runCtx, cfg.AuditSchedule); err != nil {
			return err
		}
	}

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	rest := handler.NewREST(postgres.NewMessageRepository(pool), coordinator, events)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	rest.Routes(r, createMiddleware...)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		logger.Info("messenger HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("record_store", cfg.RecordStore),
			slog.Bool("events", len(cfg.KafkaBrokers) > 0),
			slog.Int("rate_limit", cfg.RateLimit),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}

// connectPostgres retries the initial connection so the service can start
// alongside its database.
func connectPostgres(dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	err := retry.Do(context.Background(), retry.Config{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warn("postgres not reachable, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		},
	}, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		p, err := postgres.NewPool(ctx, dsn)
		if err != nil {
			return err
		}
		pool = p
		return nil
	})
	return pool, err
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openRecordStore(cfg config.Config, pool *pgxpool.Pool, redisClient *goredis.Client) (recordBackend, io.Closer, error) {
	switch cfg.RecordStore {
	case config.StoreRedis:
		return redisstore.NewRecordStore(redisClient), nopCloser{}, nil
	case config.StoreSQLite:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return postgres.NewRecordStore(pool), nopCloser{}, nil
	}
}
