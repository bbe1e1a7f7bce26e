package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/spotkeeper/internal/http/middleware"
	outboxworker "github.com/example/spotkeeper/internal/outbox"
	"github.com/example/spotkeeper/internal/sensor"
	"github.com/example/spotkeeper/internal/spot/domain"
	"github.com/example/spotkeeper/internal/spot/handler"
	"github.com/example/spotkeeper/internal/spot/mirror"
	"github.com/example/spotkeeper/internal/spot/repository"
	"github.com/example/spotkeeper/internal/spot/service"
	"github.com/example/spotkeeper/pkg/observability"
	outboxpkg "github.com/example/spotkeeper/pkg/outbox"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()

	logger := observability.SetupLogger("spotkeeper", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "spotkeeper")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	checks := map[string]observability.Check{}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		checks["postgres"] = db.PingContext
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("spotkeeper")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	store, publisher := buildStore(ctx, db, natsConn, logger, cfg)
	spotMirror := buildMirror(redisClient, logger)

	rec := service.New(store, spotMirror, domain.SystemClock{}, publisher, logger.Named("reconciler"), service.Config{
		MaxRetries: cfg.MaxRetries,
		SweepBatch: cfg.SweepBatch,
	})
	if err := spotMirror.Watch(ctx, rec.OnSensorChange); err != nil {
		logger.Fatal("mirror watch", zap.Error(err))
	}

	if natsConn != nil {
		if _, err := handler.SubscribeTransitions(ctx, natsConn, handler.TransitionsSubject, rec, logger.Named("transitions")); err != nil {
			logger.Fatal("subscribe booking transitions", zap.Error(err))
		}
	} else {
		logger.Warn("booking transitions disabled: no NATS connection")
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	sweeper := service.NewSweeper(rec, domain.SystemClock{}, cfg.SweepInterval, logger.Named("sweeper"))
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	}()

	ingestor := sensor.NewIngestor(spotMirror, domain.SystemClock{}, logger.Named("ingest"))
	limiter := middleware.NewRateLimiter(redisClient, "ingest", middleware.RateConfig{Rate: cfg.IngestRate, Burst: cfg.IngestBurst}, logger.Named("ratelimit"))
	if cfg.AdminJWTSecret == "" {
		logger.Warn("operator API is unauthenticated: ADMIN_JWT_SECRET not set")
	}
	spotHTTP := handler.NewHTTP(rec, ingestor, buildIdempotency(redisClient, cfg), limiter, domain.SystemClock{}, cfg.AdminJWTSecret, logger.Named("http"))

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Mount("/", spotHTTP.Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer(grpc.ForceServerCodec(sensor.Codec()))
	sensor.RegisterSensorIngestServer(grpcServer, sensor.NewServer(ingestor, logger.Named("grpc")))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("grpc listen", zap.Error(err))
	}

	go func() {
		logger.Info("sensor ingest listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("spotkeeper listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcServer.GracefulStop()
	_ = srv.Shutdown(shutdownCtx)
}

// buildStore picks Postgres with the transactional outbox, or the in-memory
// store publishing events directly when no database is configured.
func buildStore(ctx context.Context, db *sql.DB, natsConn *nats.Conn, logger *zap.Logger, cfg appConfig) (domain.Store, domain.EventPublisher) {
	if db != nil {
		store := repository.NewPostgresStore(db, repository.DefaultTopicPrefix)
		if err := store.Migrate(ctx); err != nil {
			logger.Fatal("postgres migrate", zap.Error(err))
		}
		return store, nil
	}
	logger.Warn("POSTGRES_DSN not set, using in-memory store")
	store := repository.NewMemoryStore()
	if cfg.SeedFile != "" {
		n, err := seedMemoryStore(store, cfg.SeedFile)
		if err != nil {
			logger.Fatal("seed memory store", zap.Error(err))
		}
		logger.Info("seeded memory store", zap.Int("spots", n))
	}
	if natsConn == nil {
		return store, nil
	}
	return store, outboxpkg.NewPublisher(natsConn, repository.DefaultTopicPrefix)
}

func buildIdempotency(redisClient *redis.Client, cfg appConfig) domain.IdempotencyRepository {
	if redisClient == nil {
		return repository.NewMemoryIdempotencyCache(cfg.IdempotencyTTL, cfg.IdempotencyMax, nil)
	}
	return repository.NewRedisIdempotencyCache(redisClient, "", cfg.IdempotencyTTL)
}

func buildMirror(redisClient *redis.Client, logger *zap.Logger) domain.Mirror {
	if redisClient == nil {
		logger.Warn("REDIS_ADDR not set, using in-memory mirror")
		return mirror.NewMemoryMirror()
	}
	return mirror.NewRedisMirror(redisClient, "", logger.Named("mirror"))
}
