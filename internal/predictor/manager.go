// Package predictor decides which forecasting model scores a region on a
// date, creating and training a new epoch when the current one has expired.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/smukkama/bite-anomaly/internal/database"
	"github.com/smukkama/bite-anomaly/internal/forecast"
	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/internal/metrics"
)

// maxCreateRetries bounds re-resolution after losing a creation race. One
// retry is enough: the winner's row is committed by then.
const maxCreateRetries = 1

// Store is the persistence the manager needs
type Store interface {
	LatestPredictor(ctx context.Context, regionCode string, asOf time.Time) (*database.Predictor, error)
	GetPredictor(ctx context.Context, id uuid.UUID) (*database.Predictor, error)
	CreatePredictor(ctx context.Context, regionCode string, trainingDate time.Time) (*database.Predictor, error)
	SavePredictorTraining(ctx context.Context, p *database.Predictor) error
	MetricHistory(ctx context.Context, regionCode string, before time.Time) ([]database.Observation, error)
}

// Trainer fits a model; a nil model with a nil error means the history is
// not sufficient
type Trainer interface {
	Train(ctx context.Context, history []forecast.Observation) (*forecast.Model, error)
}

// Policy holds the lifecycle constants
type Policy struct {
	// ExpiryDays is how long after its training date a predictor keeps
	// scoring new observations
	ExpiryDays int
	// TrainingTimeout caps a single fit; zero disables the cap
	TrainingTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		ExpiryDays:      30,
		TrainingTimeout: 30 * time.Second,
	}
}

// Manager resolves, creates and trains predictors
type Manager struct {
	store   Store
	trainer Trainer
	policy  Policy
	log     *logger.Logger
	flights singleflight.Group
	now     func() time.Time

	mu      sync.Mutex
	waiting map[string]*flight
}

// flight is the context shared by every caller waiting on one training. It
// is cancelled once the last of them has gone away.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func NewManager(store Store, trainer Trainer, policy Policy, log *logger.Logger) *Manager {
	return &Manager{
		store:   store,
		trainer: trainer,
		policy:  policy,
		log:     log.With("component", "predictor"),
		now:     time.Now,
		waiting: make(map[string]*flight),
	}
}

// IsExpired reports whether p is too old to score an observation on date
func (m *Manager) IsExpired(p *database.Predictor, date time.Time) bool {
	age := database.TruncateDay(date).Sub(database.TruncateDay(p.LastTrainingDate))
	return age > time.Duration(m.policy.ExpiryDays)*24*time.Hour
}

// Resolve returns the predictor that scores regionCode on date, creating a
// new training epoch when none is valid, and trains it if it never was
func (m *Manager) Resolve(ctx context.Context, regionCode string, date time.Time) (*database.Predictor, error) {
	p, err := m.resolveRow(ctx, regionCode, database.TruncateDay(date))
	if err != nil {
		return nil, err
	}
	return m.Train(ctx, p, false)
}

// Load returns an already assigned predictor, training it if needed
func (m *Manager) Load(ctx context.Context, id uuid.UUID) (*database.Predictor, error) {
	p, err := m.store.GetPredictor(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load predictor %s: %w", id, err)
	}
	return m.Train(ctx, p, false)
}

func (m *Manager) resolveRow(ctx context.Context, regionCode string, day time.Time) (*database.Predictor, error) {
	for attempt := 0; ; attempt++ {
		p, err := m.store.LatestPredictor(ctx, regionCode, day)
		if err != nil {
			return nil, fmt.Errorf("failed to look up predictor for %s: %w", regionCode, err)
		}
		if p != nil && !m.IsExpired(p, day) {
			return p, nil
		}

		created, err := m.store.CreatePredictor(ctx, regionCode, day)
		if err == nil {
			metrics.PredictorsCreated.Inc()
			m.log.Info("predictor epoch created",
				"region", regionCode,
				"training_date", day.Format(time.DateOnly),
				"predictor_id", created.ID.String())
			return created, nil
		}
		if !errors.Is(err, database.ErrDuplicateKey) {
			return nil, fmt.Errorf("failed to create predictor for %s: %w", regionCode, err)
		}
		if attempt >= maxCreateRetries {
			return nil, fmt.Errorf("predictor for %s on %s still conflicting after retry: %w",
				regionCode, day.Format(time.DateOnly), err)
		}

		metrics.PredictorCreateConflicts.Inc()
		m.log.Debug("lost predictor creation race, re-resolving",
			"region", regionCode,
			"training_date", day.Format(time.DateOnly))
	}
}

// Train fits p on the region history strictly before its training date.
// Without force, a predictor whose training was already attempted is
// returned unchanged, whether or not that attempt produced a model.
func (m *Manager) Train(ctx context.Context, p *database.Predictor, force bool) (*database.Predictor, error) {
	if !force && p.TrainingAttempted() {
		return p, nil
	}

	key := p.ID.String()
	flightCtx, leave := m.join(ctx, key)
	defer leave()

	ch := m.flights.DoChan(key, func() (interface{}, error) {
		return m.train(flightCtx, p.ID, force)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*database.Predictor), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// join registers the caller on the training of key and returns the context
// the training runs under. leave must be called once the caller is done.
func (m *Manager) join(ctx context.Context, key string) (context.Context, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.waiting[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		m.waiting[key] = f
	}
	f.waiters++

	return f.ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		f.waiters--
		if f.waiters == 0 {
			f.cancel()
			delete(m.waiting, key)
			// a later caller must not attach to the cancelled training
			m.flights.Forget(key)
		}
	}
}

func (m *Manager) train(ctx context.Context, id uuid.UUID, force bool) (*database.Predictor, error) {
	// Re-read: another caller may have finished training since p was loaded.
	p, err := m.store.GetPredictor(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload predictor %s: %w", id, err)
	}
	if !force && p.TrainingAttempted() {
		return p, nil
	}

	history, err := m.store.MetricHistory(ctx, p.RegionCode, p.LastTrainingDate)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", p.RegionCode, err)
	}

	log := m.log.With(
		"region", p.RegionCode,
		"predictor_id", p.ID.String(),
		"training_date", p.LastTrainingDate.Format(time.DateOnly),
		"history", len(history))

	start := time.Now()
	model, outcome, err := m.fit(ctx, toObservations(history))
	if err != nil {
		// Every caller went away; leave the predictor untouched.
		return nil, err
	}
	metrics.TrainingTotal.WithLabelValues(outcome).Inc()
	metrics.TrainingDuration.Observe(time.Since(start).Seconds())

	var weights []byte
	if model != nil {
		weights, err = model.Encode()
		if err != nil {
			log.Error("failed to encode model", "error", err)
			model, outcome = nil, metrics.OutcomeFailed
		}
	}

	if model == nil && force && p.IsTrained() {
		log.Warn("forced retraining produced no model, keeping previous weights", "outcome", outcome)
		return p, nil
	}

	attemptedAt := m.now()
	p.TrainingAttemptedAt = &attemptedAt
	p.Weights, p.Trend, p.YearlySeasonality = nil, nil, nil
	if model != nil {
		p.Weights = weights
		p.Trend = model.TrendCurve()
		p.YearlySeasonality = model.YearlySeasonality()
	}

	if err := m.store.SavePredictorTraining(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save training of predictor %s: %w", p.ID, err)
	}

	log.Info("predictor training finished", "outcome", outcome, "duration", time.Since(start))
	return p, nil
}

// fit runs the trainer under the training timeout. Timeouts and trainer
// failures come back as a nil model; only cancellation of ctx itself is an
// error.
func (m *Manager) fit(ctx context.Context, history []forecast.Observation) (*forecast.Model, string, error) {
	trainCtx := ctx
	if m.policy.TrainingTimeout > 0 {
		var cancel context.CancelFunc
		trainCtx, cancel = context.WithTimeout(ctx, m.policy.TrainingTimeout)
		defer cancel()
	}

	type result struct {
		model *forecast.Model
		err   error
	}
	done := make(chan result, 1)
	go func() {
		model, err := m.trainer.Train(trainCtx, history)
		done <- result{model: model, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-trainCtx.Done():
		res = result{err: trainCtx.Err()}
	}

	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}

	switch {
	case errors.Is(res.err, context.DeadlineExceeded):
		m.log.Warn("training timed out", "timeout", m.policy.TrainingTimeout)
		return nil, metrics.OutcomeTimeout, nil
	case res.err != nil:
		m.log.Error("training failed", "error", res.err)
		return nil, metrics.OutcomeFailed, nil
	case res.model == nil:
		return nil, metrics.OutcomeUntrained, nil
	default:
		return res.model, metrics.OutcomeTrained, nil
	}
}

func toObservations(history []database.Observation) []forecast.Observation {
	out := make([]forecast.Observation, len(history))
	for i, o := range history {
		out[i] = forecast.Observation{Date: o.Date, Value: o.Value}
	}
	return out
}
