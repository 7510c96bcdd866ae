// Command scheduler is the long-running scheduling-core daemon: it serves
// the worker and admin HTTP API, runs the lifecycle supervisor, and keeps
// the candidate queue current.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/vcsched/scheduler-core/internal/config"
	"github.com/vcsched/scheduler-core/internal/database"
	"github.com/vcsched/scheduler-core/internal/database/migrations"
	"github.com/vcsched/scheduler-core/internal/httpapi"
	"github.com/vcsched/scheduler-core/internal/tracing"
	"github.com/vcsched/scheduler-core/pkg/datastorage/repository"
	"github.com/vcsched/scheduler-core/pkg/metrics"
	"github.com/vcsched/scheduler-core/pkg/notification"
	"github.com/vcsched/scheduler-core/pkg/scheduler/assignment"
	"github.com/vcsched/scheduler-core/pkg/scheduler/classifier"
	"github.com/vcsched/scheduler-core/pkg/scheduler/hostguard"
	"github.com/vcsched/scheduler-core/pkg/scheduler/ingest"
	"github.com/vcsched/scheduler-core/pkg/scheduler/queue"
	"github.com/vcsched/scheduler-core/pkg/scheduler/ratelimit"
	"github.com/vcsched/scheduler-core/pkg/scheduler/scoring"
	"github.com/vcsched/scheduler-core/pkg/scheduler/selector"
	"github.com/vcsched/scheduler-core/pkg/scheduler/statistics"
	"github.com/vcsched/scheduler-core/pkg/scheduler/supervisor"
)

func main() {
	configPath := flag.String("config", "config/scheduler.yaml", "path to the scheduler configuration file")
	flag.Parse()

	logger := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	applyLogConfig(logger, cfg.Logging)

	zapLogger, err := buildZapLogger(cfg.Logging)
	if err != nil {
		logger.WithError(err).Fatal("failed to build structured logger")
	}
	defer zapLogger.Sync() //nolint:errcheck

	shutdownTracing, err := tracing.Setup(false)
	if err != nil {
		logger.WithError(err).Fatal("failed to set up tracing")
	}

	db, err := database.ConnectDSN(cfg.Database.DSN, cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrations.Up(ctx, db); err != nil {
		logger.WithError(err).Fatal("failed to apply schema migrations")
	}

	table := classifier.TableFromConfig(cfg.ResultCodes)
	st := repository.NewStore(db, table, zapLogger)

	queueManager := queue.NewManager(st)
	estimator := statistics.NewEstimator(cfg.Statistics, table)
	scoringEngine := scoring.NewEngine(cfg.Scoring)
	window := time.Duration(cfg.Statistics.WindowDays) * 24 * time.Hour
	sel := selector.New(st, st, queueManager, scoringEngine, estimator, window,
		logger.WithField("component", "selector"))

	limiter := ratelimit.NewLimiter(cfg.RateLimit, st)
	hosts := hostguard.NewRegistry(0.5, 5*time.Minute)
	assignments := assignment.NewService(st, st, queueManager, limiter, hosts, cfg.Assignment, zapLogger)

	var events *notification.Publisher
	if cfg.Lifecycle.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Lifecycle.RedisAddr})
		defer redisClient.Close()
		events = notification.NewPublisher(redisClient, cfg.Lifecycle.NotifyChannel,
			logger.WithField("component", "notifications"))
	}
	alerter := notification.NewSlackAlerter(cfg.Lifecycle.SlackWebhookURL,
		logger.WithField("component", "alerts"))

	var eventSink ingest.EventSink
	var supervisorEvents supervisor.Events
	if events != nil {
		eventSink = events
		supervisorEvents = events
	}

	ingestor := ingest.New(st, st, queueManager, table, sel, eventSink, cfg.Ingestion, zapLogger)
	sup := supervisor.New(st, queueManager, sel, supervisorEvents, alerter, cfg.Lifecycle,
		logger.WithField("component", "supervisor"))
	go sup.Run(ctx)

	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, logger)
	metricsServer.StartAsync()

	api := httpapi.NewServer(assignments, ingestor, queueManager, st, st,
		func(ctx context.Context) error { return db.PingContext(ctx) }, zapLogger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.WorkerPort,
		Handler: api.Router(),
	}

	go func() {
		logger.WithField("port", cfg.Server.WorkerPort).Info("worker API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("worker API stopped unexpectedly")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful: refuse new pops, leave in-flight reservations to expire
	// naturally if we never come back.
	api.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("worker API shutdown incomplete")
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics server shutdown incomplete")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracing shutdown incomplete")
	}
	logger.Info("shutdown complete")
}

func applyLogConfig(logger *logrus.Logger, cfg config.LoggingConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

func buildZapLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	if cfg.Format == "json" {
		zc := zap.NewProductionConfig()
		if err := zc.Level.UnmarshalText([]byte(cfg.Level)); err == nil {
			return zc.Build()
		}
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
