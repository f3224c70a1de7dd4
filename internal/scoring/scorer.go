// Package scoring stores incoming observations and scores them against the
// forecast band of their region's predictor.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/bite-anomaly/internal/database"
	"github.com/smukkama/bite-anomaly/internal/forecast"
	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/internal/metrics"
)

var ErrRegionNotFound = errors.New("region not found")

// Store persists metrics
type Store interface {
	RegionExists(ctx context.Context, code string) (bool, error)
	UpsertMetric(ctx context.Context, m *database.Metric) error
	SaveForecast(ctx context.Context, m *database.Metric) error
}

// Resolver hands out the predictor that scores a metric
type Resolver interface {
	Resolve(ctx context.Context, regionCode string, date time.Time) (*database.Predictor, error)
	Load(ctx context.Context, id uuid.UUID) (*database.Predictor, error)
}

// Forecaster evaluates a fitted model on a date
type Forecaster interface {
	Forecast(model *forecast.Model, date time.Time) (forecast.Forecast, error)
}

// ProgressRefresher recomputes the scored share of a day
type ProgressRefresher interface {
	Refresh(ctx context.Context, date time.Time) (*database.PredictionProgress, error)
}

// Observer is handed every metric after it was scored
type Observer interface {
	Observe(ctx context.Context, m *database.Metric) error
}

type Scorer struct {
	store      Store
	resolver   Resolver
	forecaster Forecaster
	progress   ProgressRefresher
	observers  []Observer
	log        *logger.Logger
}

func NewScorer(store Store, resolver Resolver, forecaster Forecaster, progress ProgressRefresher, log *logger.Logger) *Scorer {
	return &Scorer{
		store:      store,
		resolver:   resolver,
		forecaster: forecaster,
		progress:   progress,
		log:        log.With("component", "scorer"),
	}
}

// AddObserver registers an observer of scored metrics
func (s *Scorer) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// Create persists the raw observation of a region on a date and scores it.
// Only a missing region or a failure to store the raw value is returned as
// an error: once the value is stored, scoring and progress problems are
// logged and the metric is returned unscored. A value that is not a finite
// probability is stored but never scored.
func (s *Scorer) Create(ctx context.Context, regionCode string, date time.Time, value float64) (*database.Metric, error) {
	exists, err := s.store.RegionExists(ctx, regionCode)
	if err != nil {
		return nil, fmt.Errorf("failed to check region %s: %w", regionCode, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, regionCode)
	}

	m := &database.Metric{
		RegionCode: regionCode,
		Date:       database.TruncateDay(date),
		Value:      value,
	}
	if err := s.store.UpsertMetric(ctx, m); err != nil {
		return nil, err
	}
	metrics.MetricsIngested.Inc()

	log := s.log.With("region", regionCode, "date", m.Date.Format(time.DateOnly))

	if !ValidValue(value) {
		log.Warn("value is not a probability, metric stored unscored", "value", value)
		metrics.MetricsUnscored.Inc()
	} else if err := s.Score(ctx, m); err != nil {
		log.Warn("scoring failed, metric stored unscored", "error", err)
		metrics.MetricsUnscored.Inc()
	} else if m.IsScored() {
		metrics.MetricsScored.Inc()
	} else {
		metrics.MetricsUnscored.Inc()
	}

	if s.progress != nil {
		if _, err := s.progress.Refresh(ctx, m.Date); err != nil {
			log.Warn("failed to refresh progress", "error", err)
		}
	}

	for _, o := range s.observers {
		if err := o.Observe(ctx, m); err != nil {
			log.Warn("metric observer failed", "error", err)
		}
	}

	return m, nil
}

// ValidValue reports whether v is a finite number in [0,1]
func ValidValue(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v <= 1
}

// Score fills the forecast band and anomaly degree of a stored metric. A
// metric that already references a predictor keeps it. An untrained
// predictor leaves the band empty, which is not an error.
func (s *Scorer) Score(ctx context.Context, m *database.Metric) error {
	var p *database.Predictor
	var err error
	if m.PredictorID != nil {
		p, err = s.resolver.Load(ctx, *m.PredictorID)
	} else {
		p, err = s.resolver.Resolve(ctx, m.RegionCode, m.Date)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve predictor: %w", err)
	}

	var predicted, lower, upper, trend *float64
	if p.IsTrained() {
		model, err := forecast.Decode(p.Weights)
		if err != nil {
			return fmt.Errorf("predictor %s: %w", p.ID, err)
		}
		f, err := s.forecaster.Forecast(model, m.Date)
		if err != nil {
			return fmt.Errorf("failed to forecast %s: %w", m.Date.Format(time.DateOnly), err)
		}
		predicted, lower, upper, trend = &f.Point, &f.Lower, &f.Upper, &f.Trend
	}

	id := p.ID
	m.PredictorID = &id
	m.PredictedValue, m.LowerValue, m.UpperValue, m.Trend = predicted, lower, upper, trend
	m.AnomalyDegree = AnomalyDegree(m.Value, lower, upper)

	return s.store.SaveForecast(ctx, m)
}

// AnomalyDegree is the signed relative distance of value outside the band
// [lower, upper]: positive above the band, negative below it and 0 inside.
// It is nil while either bound is unknown and 0 for a zero value.
func AnomalyDegree(value float64, lower, upper *float64) *float64 {
	if lower == nil || upper == nil {
		return nil
	}

	var degree float64
	switch {
	case value == 0:
	case value > *upper:
		degree = (value - *upper) / value
	case value < *lower:
		degree = (value - *lower) / value
	}
	return &degree
}
