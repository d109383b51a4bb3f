package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"example.com/coaching/internal/api"
	"example.com/coaching/internal/auth"
	"example.com/coaching/internal/cache"
	"example.com/coaching/internal/config"
	"example.com/coaching/internal/domain"
	"example.com/coaching/internal/identity"
	"example.com/coaching/internal/logger"
	"example.com/coaching/internal/outbox"
	"example.com/coaching/internal/persistence/memory"
	"example.com/coaching/internal/persistence/postgres"
	httptransport "example.com/coaching/internal/transport/http"
)

type repositories struct {
	students   domain.StudentRepository
	workouts   domain.WorkoutRepository
	executions domain.ExecutionRepository
}

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		repos      repositories
		pool       *pgxpool.Pool
		dispatcher *outbox.Dispatcher
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		store := memory.NewStore()
		repos = repositories{students: store, workouts: store, executions: store}
		log.Warn("using in-memory store, data is lost on restart")
	default:
		var err error
		pool, err = pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to postgres")
		}
		defer pool.Close()
		repo := postgres.NewRepository(pool)
		repos = repositories{students: repo, workouts: repo, executions: repo}
	}

	if pool != nil && cfg.OutboxEnabled {
		var producerOpts []outbox.ProducerOption
		if cfg.Env == "dev" {
			producerOpts = append(producerOpts, outbox.WithAutoTopicCreation())
		}
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers, producerOpts...)
		defer producer.Close()
		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher = outbox.NewDispatcher(pool, producer, registry, log, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		go dispatcher.Start(ctx)
	}

	provider, err := identity.NewProvider(identity.Config{
		BaseURL:    cfg.IdentityURL,
		ServiceKey: cfg.IdentityServiceKey,
		Timeout:    cfg.IdentityTimeout,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to configure identity provider")
	}

	accessOpts := []domain.AccessOption{
		domain.WithWorkers(cfg.ReconcileWorkers),
		domain.WithAccessLogger(log),
	}
	if cfg.RedisURL != "" {
		summaries, err := cache.NewRedisCache(ctx, cfg.RedisURL, cfg.SummaryTTL)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, reconciliation summaries will not be cached")
		} else {
			defer summaries.Close()
			accessOpts = append(accessOpts, domain.WithSummaryStore(summaries))
		}
	}

	executions := domain.NewExecutionService(repos.students, repos.workouts, repos.executions, domain.WithExecutionLogger(log))
	access := domain.NewAccessService(repos.students, provider, cfg.AccessRedirectURL, accessOpts...)

	mux := http.NewServeMux()
	api.NewHandler(executions, access, log).RegisterRoutes(mux)

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	server := httptransport.NewServer(
		httptransport.DefaultServerConfig(cfg.HTTPAddress),
		httptransport.LogRequests(log, authMiddleware.Wrap(mux)),
	)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.WithFields(logrus.Fields{
			"address": cfg.HTTPAddress,
			"store":   cfg.StoreDriver,
		}).Info("coaching api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
	}

	if dispatcher != nil {
		dispatcher.Wait()
	}
}
