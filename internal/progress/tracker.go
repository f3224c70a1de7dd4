// Package progress tracks the share of each day's metrics that received a
// forecast.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/smukkama/bite-anomaly/internal/database"
	"github.com/smukkama/bite-anomaly/internal/logger"
)

// Store computes and reads progress rows
type Store interface {
	RefreshProgress(ctx context.Context, date time.Time) (*database.PredictionProgress, error)
	GetProgress(ctx context.Context, date time.Time) (*database.PredictionProgress, error)
}

// Cache holds the latest progress of each day for readers that should not
// hit the database. Get returns nil, nil on a miss.
type Cache interface {
	Get(ctx context.Context, date time.Time) (*database.PredictionProgress, error)
	Set(ctx context.Context, p *database.PredictionProgress) error
	Publish(ctx context.Context, p *database.PredictionProgress) error
}

type Tracker struct {
	store Store
	cache Cache
	log   *logger.Logger
}

// NewTracker builds a tracker; cache may be nil
func NewTracker(store Store, cache Cache, log *logger.Logger) *Tracker {
	return &Tracker{
		store: store,
		cache: cache,
		log:   log.With("component", "progress"),
	}
}

// Refresh recomputes the progress of date and pushes it to the cache.
// Cache failures are logged; the database row is the source of truth.
func (t *Tracker) Refresh(ctx context.Context, date time.Time) (*database.PredictionProgress, error) {
	p, err := t.store.RefreshProgress(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh progress of %s: %w", date.Format(time.DateOnly), err)
	}

	if t.cache != nil {
		if err := t.cache.Set(ctx, p); err != nil {
			t.log.Warn("failed to cache progress", "date", p.Date.Format(time.DateOnly), "error", err)
		}
		if err := t.cache.Publish(ctx, p); err != nil {
			t.log.Warn("failed to publish progress", "date", p.Date.Format(time.DateOnly), "error", err)
		}
	}
	return p, nil
}

// Get returns the progress of date, nil when the day was never refreshed
func (t *Tracker) Get(ctx context.Context, date time.Time) (*database.PredictionProgress, error) {
	day := database.TruncateDay(date)

	if t.cache != nil {
		p, err := t.cache.Get(ctx, day)
		if err != nil {
			t.log.Warn("progress cache read failed", "date", day.Format(time.DateOnly), "error", err)
		} else if p != nil {
			return p, nil
		}
	}

	p, err := t.store.GetProgress(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to get progress of %s: %w", day.Format(time.DateOnly), err)
	}
	if p != nil && t.cache != nil {
		if err := t.cache.Set(ctx, p); err != nil {
			t.log.Warn("failed to cache progress", "date", day.Format(time.DateOnly), "error", err)
		}
	}
	return p, nil
}
