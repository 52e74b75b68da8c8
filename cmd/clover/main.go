package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/repositories/contact"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/ingest"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/routes"
	contactroutes "github.com/Ramsey-B/clover/pkg/routes/contact"
	"github.com/Ramsey-B/clover/pkg/routes/health"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zapLogger, err := newZapLogger(cfg)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()
	logger := zapadapter.NewZapEctoLogger(zapLogger, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(cfg, logger).run(ctx); err != nil {
		logger.WithError(err).Error("Clover stopped with an error")
		os.Exit(1)
	}
}

func newZapLogger(cfg *config.Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = level
	zapCfg.InitialFields = map[string]any{"service": cfg.AppName, "version": cfg.Version}
	return zapCfg.Build()
}

type app struct {
	cfg    *config.Config
	logger ectologger.Logger

	db       *sqlx.DB
	rdb      redis.UniversalClient
	producer *kafka.Producer
	consumer *kafka.Consumer
	server   *http.Server
	checker  *health.Checker

	shutdownTracing func(context.Context) error

	merger    *merging.Engine
	matcher   *matching.Engine
	processor *ingest.Processor
}

func newApp(cfg *config.Config, logger ectologger.Logger) *app {
	return &app{cfg: cfg, logger: logger}
}

func (a *app) run(ctx context.Context) error {
	deps := startup.NewStartup(a.logger, a.cfg.StartupMaxAttempts)
	for _, dep := range a.dependencies() {
		deps.AddDependency(dep)
	}

	if err := deps.Start(ctx); err != nil {
		_ = deps.Stop(context.Background())
		return err
	}
	a.checker.SetReady(true)
	a.logger.WithContext(ctx).Infof("Clover listening on :%d", a.cfg.Port)

	<-ctx.Done()
	a.checker.SetReady(false)
	a.logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return deps.Stop(shutdownCtx)
}

func (a *app) dependencies() []startup.Dependency {
	engineRequires := []string{"postgres", "migrations"}
	deps := []startup.Dependency{
		&startup.Func{Name: "tracing", StartFunc: a.startTracing, StopFunc: a.stopTracing},
		&startup.Func{Name: "postgres", StartFunc: a.startPostgres, StopFunc: a.stopPostgres},
		&startup.Func{Name: "migrations", Requires: []string{"postgres"}, StartFunc: a.runMigrations},
	}

	if a.cfg.RedisAddr != "" {
		deps = append(deps, &startup.Func{Name: "redis", StartFunc: a.startRedis, StopFunc: a.stopRedis})
		engineRequires = append(engineRequires, "redis")
	}
	if a.cfg.KafkaProducerEnabled {
		deps = append(deps, &startup.Func{Name: "kafka-producer", StartFunc: a.startProducer, StopFunc: a.stopProducer})
		engineRequires = append(engineRequires, "kafka-producer")
	}

	deps = append(deps,
		&startup.Func{Name: "engine", Requires: engineRequires, StartFunc: a.buildEngine},
		&startup.Func{Name: "http", Requires: []string{"engine"}, StartFunc: a.startHTTP, StopFunc: a.stopHTTP},
	)

	if a.cfg.KafkaConsumerEnabled {
		deps = append(deps, &startup.Func{Name: "kafka-consumer", Requires: []string{"engine"}, StartFunc: a.startConsumer, StopFunc: a.stopConsumer})
	}
	return deps
}

func (a *app) startTracing(ctx context.Context) error {
	shutdown, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: a.cfg.AppName,
		Endpoint:    a.cfg.TracingEndpoint,
		Protocol:    a.cfg.TracingProtocol,
		Insecure:    a.cfg.TracingInsecure,
		Timeout:     10 * time.Second,
	})
	if err != nil {
		return pkgerrors.Wrap(err, "setup tracing")
	}
	a.shutdownTracing = shutdown
	return nil
}

func (a *app) stopTracing(ctx context.Context) error {
	if a.shutdownTracing == nil {
		return nil
	}
	return a.shutdownTracing(ctx)
}

func (a *app) startPostgres(ctx context.Context) error {
	db, err := sqlx.Open("postgres", a.cfg.DatabaseDSN())
	if err != nil {
		return pkgerrors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(a.cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(a.cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(a.cfg.DatabaseConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return pkgerrors.Wrap(err, "ping postgres")
	}
	a.db = db
	return nil
}

func (a *app) stopPostgres(context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *app) runMigrations(context.Context) error {
	migrations := database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:             a.cfg.DatabaseMigrationVersion,
		Force:               a.cfg.DatabaseMigrationForce,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	})
	return migrations.MigratePostgres(a.db.DB)
}

func (a *app) startRedis(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return pkgerrors.Wrap(err, "ping redis")
	}
	a.rdb = client
	return nil
}

func (a *app) stopRedis(context.Context) error {
	if a.rdb == nil {
		return nil
	}
	return a.rdb.Close()
}

func (a *app) startProducer(context.Context) error {
	cfg := kafka.DefaultProducerConfig()
	cfg.Brokers = a.cfg.KafkaBrokers
	cfg.Topic = a.cfg.KafkaEventsTopic
	cfg.BatchSize = a.cfg.KafkaBatchSize
	cfg.BatchTimeout = a.cfg.KafkaBatchTimeout
	cfg.RequiredAcks = a.cfg.KafkaRequiredAcks
	cfg.Compression = a.cfg.KafkaCompression

	a.producer = kafka.NewProducer(cfg, a.logger)
	return nil
}

func (a *app) stopProducer(context.Context) error {
	return a.producer.Close()
}

func (a *app) buildEngine(context.Context) error {
	repo := contact.NewRepository(database.NewDatabaseInstance(a.db, a.logger), a.logger)

	matchCfg := matching.DefaultConfig()
	matchCfg.DomainCandidateLimit = a.cfg.MatchDomainCandidateLimit
	matchCfg.SearchCandidateLimit = a.cfg.MatchSearchCandidateLimit
	a.matcher = matching.NewEngine(a.logger, repo, matchCfg)

	locker := lock.New(a.rdb, a.db.DB, a.logger, lock.Options{
		KeyPrefix:   a.cfg.LockKeyPrefix,
		TTL:         a.cfg.LockTTL,
		WaitTimeout: a.cfg.LockWaitTimeout,
	})
	a.merger = merging.NewEngine(a.logger, repo, repo, a.matcher, locker)

	opts := merging.DefaultMergeOptions()
	opts.MinConfidence = models.ParseConfidenceTier(a.cfg.MergeMinConfidence, opts.MinConfidence)

	var publisher ingest.EventPublisher
	if a.producer != nil {
		publisher = a.producer
	}
	a.processor = ingest.NewProcessor(a.logger, a.merger, publisher, opts)
	return nil
}

func (a *app) startHTTP(ctx context.Context) error {
	var verifier middleware.TokenVerifier
	if a.cfg.AuthEnabled {
		v, err := middleware.NewOIDCVerifier(ctx, a.cfg.AuthIssuerURL, a.cfg.AuthClientID)
		if err != nil {
			return pkgerrors.Wrap(err, "discover oidc provider")
		}
		verifier = v
	}

	var publisher contactroutes.EventPublisher
	if a.producer != nil {
		publisher = a.producer
	}

	a.checker = health.NewChecker(a.db, a.rdb, a.cfg.Version)
	e := routes.New(routes.Options{
		ServiceName: a.cfg.AppName,
		Logger:      a.logger,
		Verifier:    verifier,
		Contacts:    contactroutes.NewHandler(a.logger, a.matcher, a.merger, publisher),
		Health:      a.checker,
	})

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Port))
	if err != nil {
		return pkgerrors.Wrapf(err, "listen on port %d", a.cfg.Port)
	}

	a.server = &http.Server{
		Handler:      e,
		ReadTimeout:  a.cfg.HTTPReadTimeout,
		WriteTimeout: a.cfg.HTTPWriteTimeout,
		IdleTimeout:  a.cfg.HTTPIdleTimeout,
	}
	go func() {
		if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("HTTP server stopped")
		}
	}()
	return nil
}

func (a *app) stopHTTP(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

func (a *app) startConsumer(ctx context.Context) error {
	cfg := kafka.DefaultConsumerConfig()
	cfg.Brokers = a.cfg.KafkaBrokers
	cfg.Topic = a.cfg.KafkaIngestTopic
	cfg.GroupID = a.cfg.KafkaConsumerGroup
	cfg.DeadLetterTopic = a.cfg.KafkaDeadLetterTopic
	cfg.Retry.MaxAttempts = a.cfg.KafkaMaxAttempts

	a.consumer = kafka.NewConsumer(cfg, a.logger, a.processor.HandleMessage)
	return a.consumer.Start(ctx)
}

func (a *app) stopConsumer(context.Context) error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Stop()
}
