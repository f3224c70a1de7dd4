// Package app wires the scoring pipeline from configuration for the
// commands.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/bite-anomaly/internal/alerting"
	"github.com/smukkama/bite-anomaly/internal/backfill"
	"github.com/smukkama/bite-anomaly/internal/database"
	"github.com/smukkama/bite-anomaly/internal/forecast"
	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/internal/predictor"
	"github.com/smukkama/bite-anomaly/internal/progress"
	"github.com/smukkama/bite-anomaly/internal/queue"
	"github.com/smukkama/bite-anomaly/internal/scoring"
	"github.com/smukkama/bite-anomaly/pkg/config"
)

// progressTTL keeps cached progress around for a month of late arrivals
const progressTTL = 31 * 24 * time.Hour

type App struct {
	Config     *config.Config
	Log        *logger.Logger
	DB         *database.DB
	Redis      *redis.Client
	Engine     *forecast.Engine
	Predictors *predictor.Manager
	Cache      *progress.RedisCache
	Progress   *progress.Tracker
	Scorer     *scoring.Scorer
	Backfill   *backfill.Orchestrator
	Alerts     *alerting.StateManager

	anomalies *queue.Producer
}

// New connects to Postgres and Redis and builds every component
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	log.Info("connected to database", "host", cfg.Database.Host, "db", cfg.Database.DBName)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		db.Close()
		redisClient.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info("connected to Redis", "addr", cfg.Redis.Addr)

	engine := forecast.NewEngine(forecast.Config{
		MinTrainingDays: cfg.Forecast.MinTrainingDays,
		IntervalWidth:   cfg.Forecast.IntervalWidth,
		FourierOrder:    cfg.Forecast.FourierOrder,
	})
	predictors := predictor.NewManager(db, engine, predictor.Policy{
		ExpiryDays:      cfg.Forecast.ExpiryDays,
		TrainingTimeout: cfg.Forecast.TrainingTimeout,
	}, log)

	cache := progress.NewRedisCache(redisClient, progressTTL)
	tracker := progress.NewTracker(db, cache, log)

	scorer := scoring.NewScorer(db, predictors, engine, tracker, log)
	alerts := alerting.NewStateManager(redisClient)
	anomalies := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAnomalies)
	scorer.AddObserver(alerting.NewEvaluator(alerts, anomalies, cfg.Alerting.Threshold, log))

	orchestrator := backfill.NewOrchestrator(db, engine, tracker, backfill.Options{
		BatchSize:   cfg.Backfill.BatchSize,
		Concurrency: cfg.Backfill.Concurrency,
	}, log)

	return &App{
		Config:     cfg,
		Log:        log,
		DB:         db,
		Redis:      redisClient,
		Engine:     engine,
		Predictors: predictors,
		Cache:      cache,
		Progress:   tracker,
		Scorer:     scorer,
		Backfill:   orchestrator,
		Alerts:     alerts,
		anomalies:  anomalies,
	}, nil
}

func (a *App) Close() {
	if err := a.anomalies.Close(); err != nil {
		a.Log.Warn("failed to close anomaly producer", "error", err)
	}
	a.Redis.Close()
	a.DB.Close()
}
