package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/internal/notification"
	"github.com/smukkama/bite-anomaly/internal/protocol"
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

	notifier := notification.NewEmailNotifier(&cfg.SMTP, logr)
	if err := notifier.TestConnection(); err != nil {
		logr.Warn("notifications will be logged only", "error", err)
	}

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicAnomalies, "notifier-group")
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logr.Info("notifier service running", "topic", cfg.Kafka.TopicAnomalies)

	go func() {
		for {
			msg, err := consumer.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logr.Warn("failed to consume message", "error", err)
				continue
			}

			n, err := protocol.DecodeAnomalyNotification(msg.Value)
			if err != nil {
				logr.Warn("failed to decode notification", "offset", msg.Offset, "error", err)
				if err := consumer.Commit(ctx, msg); err != nil {
					logr.Error("failed to commit offset", "error", err)
				}
				continue
			}

			if err := notifier.SendAnomalyNotification(n); err != nil {
				logr.Error("failed to send notification", "region", n.RegionCode, "error", err)
				continue
			}

			if err := consumer.Commit(ctx, msg); err != nil {
				logr.Error("failed to commit offset", "error", err)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logr.Info("shutting down")
}
