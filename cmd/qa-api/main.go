// Command qa-api starts the course Q&A server.
//
// It serves the REST endpoints and the two WebSocket feeds, enforces the
// per-user write cooldown in Redis, stores data in PostgreSQL, and hands new
// questions to the answer-generation workers through a Redis stream or a
// Kafka topic. With the bridge enabled, questions and answers created on
// other instances (and answers written by the workers) are pushed to this
// instance's subscribers.
//
// Usage:
//
//	go run ./cmd/qa-api [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/dispatch"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/gateway/router"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa/cache"
	qahandler "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa/handler"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa/service"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa/store"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/realtime"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/resilience"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	origin := uuid.NewString()
	slog.Info("starting qa-api",
		"port", cfg.Server.Port,
		"instance", origin,
		"dispatch_backend", cfg.Dispatch.Backend,
		"rate_limit_mode", cfg.RateLimit.Mode,
		"bridge_enabled", cfg.Realtime.Bridge.Enabled,
	)

	if err := run(cfg, origin); err != nil {
		slog.Error("qa-api failed", "error", err)
		os.Exit(1)
	}
	slog.Info("qa-api stopped")
}

func run(cfg *config.Config, origin string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownMetrics(shutdownCtx)
		}()
	}

	startup := resilience.RetryConfig{MaxAttempts: 5, InitialDelay: 500 * time.Millisecond}

	var rdb *redis.Client
	err := resilience.Retry(ctx, "redis-connect", startup, func() error {
		var err error
		rdb, err = redis.NewClient(cfg.Redis)
		return err
	})
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()
	slog.Info("connected to redis", "addr", cfg.Redis.Addr)

	var db *postgres.Client
	err = resilience.Retry(ctx, "postgres-connect", startup, func() error {
		var err error
		db, err = postgres.New(cfg.Postgres)
		return err
	})
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	slog.Info("connected to postgres", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)

	pgStore := store.NewPostgres(db)
	if err := pgStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}

	notifier, jobs, closeDispatch := dispatchBackend(cfg, rdb)
	defer closeDispatch()

	clock := clockwork.NewRealClock()
	registry := realtime.NewRegistry(m)
	broadcaster := realtime.NewRouter(registry, m)
	svc := service.New(service.Deps{
		Store:       pgStore,
		Limiter:     ratelimit.New(ratelimit.NewRedisStore(rdb), cfg.RateLimit, m),
		Dispatcher:  dispatch.New(notifier, jobs, cfg.Dispatch, origin, m),
		Broadcaster: broadcaster,
		Courses:     cache.NewCourseCache(rdb, cfg.Redis.CacheTTL, m),
		Clock:       clock,
	})

	cors := pkgmw.DefaultCORSConfig(cfg.Server.AllowedOrigins)
	sockets := realtime.NewHandler(registry, svc, cfg.Realtime, cors.CheckOrigin, clock, m)

	checker := health.NewChecker()
	checker.Register("redis", health.PingCheck(rdb, false))
	checker.Register("postgres", health.PingCheck(db, false))
	checker.Register("subscribers", func(context.Context) health.ComponentHealth {
		return health.ComponentHealth{
			Status: health.StatusUp,
			Message: fmt.Sprintf("%d question, %d answer",
				registry.Count(realtime.QuestionFeed), registry.Count(realtime.AnswerFeed)),
		}
	})

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router.New(qahandler.New(svc), sockets, checker, router.Options{
			Metrics:        m,
			CORS:           cors,
			RequestTimeout: cfg.Server.RequestTimeout,
		}),
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout would cut long-lived sockets; REST handlers are bounded
		// by the request timeout middleware instead.
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("qa-api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Realtime.Bridge.Enabled {
		bridge := realtime.NewBridge(broadcaster, origin, cfg.Dispatch, m)
		g.Go(func() error {
			if cfg.Realtime.Bridge.Backend == config.BackendKafka {
				return bridge.RunKafka(gctx, cfg.Kafka)
			}
			return bridge.RunRedis(gctx, rdb)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// Hijacked sockets are not tracked by Shutdown; close them explicitly.
		closed := registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
		slog.Info("closed websocket subscribers", "count", closed)
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// dispatchBackend builds the notifier and job log for the configured
// backend. The returned func releases whatever it opened.
func dispatchBackend(cfg *config.Config, rdb *redis.Client) (dispatch.Notifier, dispatch.JobLog, func()) {
	if cfg.Dispatch.Backend != config.BackendKafka {
		return dispatch.NewRedisNotifier(rdb), dispatch.NewRedisJobLog(rdb, cfg.Dispatch.JobStream), func() {}
	}

	jobs := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Jobs)
	questions := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Questions)
	answers := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Answers)
	notifier := dispatch.NewKafkaNotifier(map[string]dispatch.BatchPublisher{
		cfg.Dispatch.QuestionChannel: questions,
		cfg.Dispatch.AnswerChannel:   answers,
	})
	slog.Info("kafka dispatch configured", "brokers", cfg.Kafka.Brokers, "jobs_topic", cfg.Kafka.Topics.Jobs)
	return notifier, dispatch.NewKafkaJobLog(jobs), func() {
		for _, p := range []*kafka.Producer{jobs, questions, answers} {
			if err := p.Close(); err != nil {
				slog.Error("failed to close kafka producer", "error", err)
			}
		}
	}
}
