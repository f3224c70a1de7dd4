// Package alerting turns scored metrics into anomaly notifications, once
// when a region becomes anomalous and once when it returns to its band.
package alerting

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/smukkama/bite-anomaly/internal/database"
	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/internal/metrics"
	"github.com/smukkama/bite-anomaly/internal/protocol"
)

type StateStore interface {
	GetState(ctx context.Context, regionCode string) (*AnomalyState, error)
	SetState(ctx context.Context, regionCode string, state *AnomalyState) error
	DeleteState(ctx context.Context, regionCode string) error
}

type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Evaluator compares the anomaly degree of each scored metric with a
// threshold and tracks per-region state
type Evaluator struct {
	states    StateStore
	publisher Publisher
	threshold float64
	log       *logger.Logger
	now       func() time.Time
}

func NewEvaluator(states StateStore, publisher Publisher, threshold float64, log *logger.Logger) *Evaluator {
	return &Evaluator{
		states:    states,
		publisher: publisher,
		threshold: threshold,
		log:       log.With("component", "alerting"),
		now:       time.Now,
	}
}

// Observe evaluates a scored metric. Unscored metrics and metrics older
// than the last one seen for an anomalous region leave the state as is.
func (e *Evaluator) Observe(ctx context.Context, m *database.Metric) error {
	if m.AnomalyDegree == nil {
		return nil
	}

	state, err := e.states.GetState(ctx, m.RegionCode)
	if err != nil {
		return err
	}
	if state.Status == StateAnomalous && m.Date.Before(state.LastDate) {
		return nil
	}

	anomalous := math.Abs(*m.AnomalyDegree) >= e.threshold
	now := e.now()

	switch {
	case anomalous && state.Status != StateAnomalous:
		return e.detect(ctx, m, now)

	case anomalous:
		state.LastDate = m.Date
		state.AnomalyDegree = *m.AnomalyDegree
		state.LastChecked = now
		return e.states.SetState(ctx, m.RegionCode, state)

	case state.Status == StateAnomalous:
		return e.clear(ctx, m, state, now)
	}

	return nil
}

func (e *Evaluator) detect(ctx context.Context, m *database.Metric, now time.Time) error {
	e.log.Info("anomaly detected",
		"region", m.RegionCode,
		"date", m.Date.Format(time.DateOnly),
		"value", m.Value,
		"anomaly_degree", *m.AnomalyDegree)

	state := &AnomalyState{
		Status:        StateAnomalous,
		Since:         m.Date,
		LastDate:      m.Date,
		AnomalyDegree: *m.AnomalyDegree,
		LastChecked:   now,
	}
	if err := e.states.SetState(ctx, m.RegionCode, state); err != nil {
		return err
	}

	return e.send(ctx, protocol.AnomalyTypeDetected, m, state.Since, now)
}

func (e *Evaluator) clear(ctx context.Context, m *database.Metric, state *AnomalyState, now time.Time) error {
	e.log.Info("anomaly cleared",
		"region", m.RegionCode,
		"date", m.Date.Format(time.DateOnly),
		"since", state.Since.Format(time.DateOnly))

	if err := e.states.DeleteState(ctx, m.RegionCode); err != nil {
		return err
	}

	return e.send(ctx, protocol.AnomalyTypeCleared, m, state.Since, now)
}

func (e *Evaluator) send(ctx context.Context, kind string, m *database.Metric, since, now time.Time) error {
	notification := &protocol.AnomalyNotification{
		Type:           kind,
		RegionCode:     m.RegionCode,
		Date:           m.Date.Format(time.DateOnly),
		Value:          m.Value,
		PredictedValue: m.PredictedValue,
		LowerValue:     m.LowerValue,
		UpperValue:     m.UpperValue,
		AnomalyDegree:  *m.AnomalyDegree,
		Threshold:      e.threshold,
		Since:          since.Format(time.DateOnly),
		EmittedAt:      now,
	}

	data, err := protocol.EncodeAnomalyNotification(notification)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := e.publisher.Publish(ctx, m.RegionCode, data); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	metrics.AnomalyNotifications.WithLabelValues(kind).Inc()
	return nil
}
