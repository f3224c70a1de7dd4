package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Training outcomes used as the "outcome" label of TrainingTotal
const (
	OutcomeTrained   = "trained"
	OutcomeUntrained = "untrained"
	OutcomeTimeout   = "timeout"
	OutcomeFailed    = "failed"
)

var (
	MetricsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bite_metrics_ingested_total",
		Help: "Total number of observations whose raw value was persisted.",
	})
	MetricsScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bite_metrics_scored_total",
		Help: "Total number of observations that received a forecast band.",
	})
	MetricsUnscored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bite_metrics_unscored_total",
		Help: "Total number of observations left without a forecast (cold start or scoring failure).",
	})
	IngestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bite_ingest_failures_total",
		Help: "Per-row ingestion failures by reason.",
	}, []string{"reason"})
	PredictorsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bite_predictors_created_total",
		Help: "Total number of predictor epochs created.",
	})
	PredictorCreateConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bite_predictor_create_conflicts_total",
		Help: "Predictor creations lost to a concurrent writer and re-resolved.",
	})
	TrainingTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bite_training_total",
		Help: "Training attempts by outcome.",
	}, []string{"outcome"})
	TrainingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bite_training_duration_seconds",
		Help:    "Duration of a single model fit.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
	})
	BackfillUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bite_backfill_metrics_updated_total",
		Help: "Total number of metric rows refreshed by backfill runs.",
	})
	BackfillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bite_backfill_duration_seconds",
		Help:    "Duration of a full backfill run.",
		Buckets: []float64{1, 10, 60, 300, 900, 3600},
	})
	AnomalyNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bite_anomaly_notifications_total",
		Help: "Anomaly notifications produced by type.",
	}, []string{"type"})
)

// Serve exposes /metrics and /health on addr until the server fails
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
