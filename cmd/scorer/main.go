package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smukkama/bite-anomaly/internal/app"
	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/internal/metrics"
	"github.com/smukkama/bite-anomaly/internal/queue"
	"github.com/smukkama/bite-anomaly/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logr, err := logger.New(cfg.Log.Mode)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logr.Sync()

	logr.Info("starting scorer service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("failed to initialize", "error", err)
	}
	defer a.Close()

	go func() {
		if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
			logr.Error("metrics server stopped", "error", err)
		}
	}()

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicMetrics, cfg.Kafka.ConsumerGroup)
	defer consumer.Close()

	worker := queue.NewIngestWorker(consumer, a.Scorer, cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval, logr)
	worker.Start(ctx)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats := consumer.Stats()
				logr.Info("consumer stats",
					"messages", stats.Messages,
					"bytes", stats.Bytes,
					"errors", stats.Errors,
					"lag", stats.Lag)
			case <-ctx.Done():
				return
			}
		}
	}()

	logr.Info("scorer service running",
		"topic", cfg.Kafka.TopicMetrics,
		"group", cfg.Kafka.ConsumerGroup,
		"batch_size", cfg.Kafka.BatchSize,
		"flush_interval", cfg.Kafka.FlushInterval,
		"metrics_addr", cfg.Metrics.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logr.Info("shutting down")
	worker.Stop()
	cancel()
}
