// Package backfill recomputes stored forecast bands over a date range with
// the predictors already assigned to the metrics, without retraining.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/smukkama/bite-anomaly/internal/database"
	"github.com/smukkama/bite-anomaly/internal/forecast"
	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/internal/metrics"
	"github.com/smukkama/bite-anomaly/internal/scoring"
)

var ErrInvalidRange = errors.New("from date is after to date")

type Store interface {
	PredictorsWithMetricsInRange(ctx context.Context, regionCode string, from, to time.Time) ([]*database.Predictor, error)
	MetricsForPredictorInRange(ctx context.Context, predictorID uuid.UUID, from, to time.Time) ([]*database.Metric, error)
	BulkUpdateForecasts(ctx context.Context, updates []database.ForecastUpdate) (int64, error)
}

type Forecaster interface {
	Forecast(model *forecast.Model, date time.Time) (forecast.Forecast, error)
}

type ProgressRefresher interface {
	Refresh(ctx context.Context, date time.Time) (*database.PredictionProgress, error)
}

// Filter selects the metrics to refresh. An empty RegionCode means every
// region; From and To are inclusive.
type Filter struct {
	RegionCode string
	From       time.Time
	To         time.Time
}

// DefaultFilter covers every stored metric
func DefaultFilter() Filter {
	return Filter{
		From: time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2100, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

type Options struct {
	// BatchSize is the number of metric rows per bulk update
	BatchSize int
	// Concurrency bounds the predictors processed at once
	Concurrency int
}

func DefaultOptions() Options {
	return Options{BatchSize: 2000, Concurrency: 4}
}

// Stats summarizes a run
type Stats struct {
	Predictors int   `json:"predictors"`
	Skipped    int   `json:"skipped"`
	Updated    int64 `json:"updated"`
	Dates      int   `json:"dates"`
}

type Orchestrator struct {
	store      Store
	forecaster Forecaster
	progress   ProgressRefresher
	opts       Options
	log        *logger.Logger
}

func NewOrchestrator(store Store, forecaster Forecaster, progress ProgressRefresher, opts Options, log *logger.Logger) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Orchestrator{
		store:      store,
		forecaster: forecaster,
		progress:   progress,
		opts:       opts,
		log:        log.With("component", "backfill"),
	}
}

// Run refreshes the forecast band and anomaly degree of every metric in the
// filter whose predictor is trained, then refreshes the progress of each
// touched date. Untrained predictors are skipped.
func (o *Orchestrator) Run(ctx context.Context, f Filter) (Stats, error) {
	from, to := database.TruncateDay(f.From), database.TruncateDay(f.To)
	if from.After(to) {
		return Stats{}, fmt.Errorf("%w: %s > %s", ErrInvalidRange, from.Format(time.DateOnly), to.Format(time.DateOnly))
	}

	start := time.Now()
	predictors, err := o.store.PredictorsWithMetricsInRange(ctx, f.RegionCode, from, to)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list predictors: %w", err)
	}

	o.log.Info("backfill started",
		"region", f.RegionCode,
		"from", from.Format(time.DateOnly),
		"to", to.Format(time.DateOnly),
		"predictors", len(predictors))

	var (
		mu      sync.Mutex
		stats   = Stats{Predictors: len(predictors)}
		touched = make(map[time.Time]struct{})
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for _, p := range predictors {
		g.Go(func() error {
			if !p.IsTrained() {
				mu.Lock()
				stats.Skipped++
				mu.Unlock()
				return nil
			}

			updated, dates, err := o.refreshPredictor(gctx, p, from, to)
			if err != nil {
				return fmt.Errorf("predictor %s (%s): %w", p.ID, p.RegionCode, err)
			}

			mu.Lock()
			defer mu.Unlock()
			stats.Updated += updated
			for _, d := range dates {
				touched[d] = struct{}{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	days := make([]time.Time, 0, len(touched))
	for d := range touched {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	stats.Dates = len(days)

	if o.progress != nil {
		for _, d := range days {
			if _, err := o.progress.Refresh(ctx, d); err != nil {
				return stats, err
			}
		}
	}

	metrics.BackfillUpdated.Add(float64(stats.Updated))
	metrics.BackfillDuration.Observe(time.Since(start).Seconds())
	o.log.Info("backfill finished",
		"predictors", stats.Predictors,
		"skipped", stats.Skipped,
		"updated", stats.Updated,
		"dates", stats.Dates,
		"duration", time.Since(start))

	return stats, nil
}

// refreshPredictor forecasts each date of the predictor's metrics once and
// writes the bands back in batches
func (o *Orchestrator) refreshPredictor(ctx context.Context, p *database.Predictor, from, to time.Time) (int64, []time.Time, error) {
	model, err := forecast.Decode(p.Weights)
	if err != nil {
		return 0, nil, err
	}

	rows, err := o.store.MetricsForPredictorInRange(ctx, p.ID, from, to)
	if err != nil {
		return 0, nil, err
	}
	if len(rows) == 0 {
		return 0, nil, nil
	}

	bands := make(map[time.Time]forecast.Forecast)
	for d := rows[0].Date; !d.After(rows[len(rows)-1].Date); d = d.AddDate(0, 0, 1) {
		band, err := o.forecaster.Forecast(model, d)
		if err != nil {
			return 0, nil, err
		}
		bands[d] = band
	}

	var (
		updated int64
		dates   []time.Time
		batch   = make([]database.ForecastUpdate, 0, o.opts.BatchSize)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := o.store.BulkUpdateForecasts(ctx, batch)
		if err != nil {
			return err
		}
		updated += n
		batch = batch[:0]
		return nil
	}

	for _, m := range rows {
		band, ok := bands[database.TruncateDay(m.Date)]
		if !ok {
			continue
		}
		batch = append(batch, database.ForecastUpdate{
			MetricID:       m.ID,
			Date:           m.Date,
			PredictedValue: band.Point,
			LowerValue:     band.Lower,
			UpperValue:     band.Upper,
			Trend:          band.Trend,
			AnomalyDegree:  scoring.AnomalyDegree(m.Value, &band.Lower, &band.Upper),
		})
		dates = append(dates, database.TruncateDay(m.Date))

		if len(batch) >= o.opts.BatchSize {
			if err := flush(); err != nil {
				return updated, nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return updated, nil, err
	}

	return updated, dates, nil
}
