package database

import (
	"time"

	"github.com/google/uuid"
)

// Region is the external region catalog entry; only its code is relied upon
type Region struct {
	Code      string
	Name      string
	CreatedAt time.Time
}

// Predictor is one training epoch of a region's forecasting model.
// Weights is nil while the predictor is untrained.
type Predictor struct {
	ID                  uuid.UUID
	RegionCode          string
	LastTrainingDate    time.Time
	Weights             []byte
	Trend               []float64
	YearlySeasonality   []float64
	TrainingAttemptedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsTrained reports whether a fitted model is stored
func (p *Predictor) IsTrained() bool {
	return len(p.Weights) > 0
}

// TrainingAttempted reports whether a fit was already tried for this epoch,
// whatever its outcome
func (p *Predictor) TrainingAttempted() bool {
	return p.TrainingAttemptedAt != nil
}

// Metric is the single observation of a region on a date plus its forecast band
type Metric struct {
	ID             uuid.UUID
	RegionCode     string
	PredictorID    *uuid.UUID
	Date           time.Time
	Value          float64
	PredictedValue *float64
	LowerValue     *float64
	UpperValue     *float64
	Trend          *float64
	AnomalyDegree  *float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsScored reports whether the metric received a forecast
func (m *Metric) IsScored() bool {
	return m.PredictedValue != nil
}

// PredictionProgress is the share of a day's metrics that have a forecast
type PredictionProgress struct {
	ID                uuid.UUID `json:"id"`
	Date              time.Time `json:"date"`
	SuccessPercentage float64   `json:"success_percentage"`
	Scored            int64     `json:"scored"`
	Total             int64     `json:"total"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Observation is one historical (date, value) point used for training
type Observation struct {
	Date  time.Time
	Value float64
}

// ForecastUpdate is one row of a bulk forecast refresh
type ForecastUpdate struct {
	MetricID       uuid.UUID
	Date           time.Time
	PredictedValue float64
	LowerValue     float64
	UpperValue     float64
	Trend          float64
	AnomalyDegree  *float64
}

// SuccessPercentage returns scored/total, or 0 for a day without metrics
func SuccessPercentage(scored, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(scored) / float64(total)
}

// TruncateDay drops the time of day, keeping the calendar date in UTC
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
