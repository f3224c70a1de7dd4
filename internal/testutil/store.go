// Package testutil provides an in-memory store that mirrors the Postgres
// constraints of the database package, for tests of the scoring pipeline.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/bite-anomaly/internal/database"
)

type metricKey struct {
	region string
	date   time.Time
}

type predictorKey struct {
	region string
	date   time.Time
}

// Store is a concurrency-safe in-memory implementation of the store
// interfaces used across the engine
type Store struct {
	mu          sync.Mutex
	regions     map[string]database.Region
	predictors  map[uuid.UUID]*database.Predictor
	predByKey   map[predictorKey]uuid.UUID
	metrics     map[uuid.UUID]*database.Metric
	metricByKey map[metricKey]uuid.UUID
	progress    map[time.Time]*database.PredictionProgress

	CreateCalls  int
	BulkBatches  []int
	RefreshCalls int
}

func NewStore(regionCodes ...string) *Store {
	s := &Store{
		regions:     make(map[string]database.Region),
		predictors:  make(map[uuid.UUID]*database.Predictor),
		predByKey:   make(map[predictorKey]uuid.UUID),
		metrics:     make(map[uuid.UUID]*database.Metric),
		metricByKey: make(map[metricKey]uuid.UUID),
		progress:    make(map[time.Time]*database.PredictionProgress),
	}
	for _, code := range regionCodes {
		s.regions[code] = database.Region{Code: code, Name: code}
	}
	return s
}

// Day is a shorthand for a UTC calendar date
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func (s *Store) RegionExists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.regions[code]
	return ok, nil
}

func (s *Store) LatestPredictor(_ context.Context, regionCode string, asOf time.Time) (*database.Predictor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asOf = database.TruncateDay(asOf)
	var latest *database.Predictor
	for _, p := range s.predictors {
		if p.RegionCode != regionCode || p.LastTrainingDate.After(asOf) {
			continue
		}
		if latest == nil || p.LastTrainingDate.After(latest.LastTrainingDate) {
			latest = p
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyPredictor(latest), nil
}

func (s *Store) GetPredictor(_ context.Context, id uuid.UUID) (*database.Predictor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictors[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return copyPredictor(p), nil
}

func (s *Store) CreatePredictor(_ context.Context, regionCode string, trainingDate time.Time) (*database.Predictor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateCalls++

	key := predictorKey{region: regionCode, date: database.TruncateDay(trainingDate)}
	if _, exists := s.predByKey[key]; exists {
		return nil, database.ErrDuplicateKey
	}

	now := time.Now()
	p := &database.Predictor{
		ID:               uuid.New(),
		RegionCode:       regionCode,
		LastTrainingDate: key.date,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.predictors[p.ID] = p
	s.predByKey[key] = p.ID
	return copyPredictor(p), nil
}

func (s *Store) SavePredictorTraining(_ context.Context, p *database.Predictor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.predictors[p.ID]; !ok {
		return database.ErrNotFound
	}
	p.UpdatedAt = time.Now()
	s.predictors[p.ID] = copyPredictor(p)
	return nil
}

func (s *Store) MetricHistory(_ context.Context, regionCode string, before time.Time) ([]database.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before = database.TruncateDay(before)
	var history []database.Observation
	for _, m := range s.metrics {
		if m.RegionCode == regionCode && m.Date.Before(before) {
			history = append(history, database.Observation{Date: m.Date, Value: m.Value})
		}
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Date.Before(history[j].Date) })
	return history, nil
}

func (s *Store) UpsertMetric(_ context.Context, m *database.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Date = database.TruncateDay(m.Date)
	key := metricKey{region: m.RegionCode, date: m.Date}
	now := time.Now()

	if id, ok := s.metricByKey[key]; ok {
		existing := s.metrics[id]
		existing.Value = m.Value
		existing.AnomalyDegree = recomputeAnomaly(existing)
		existing.UpdatedAt = now
		*m = *copyMetric(existing)
		return nil
	}

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt, m.UpdatedAt = now, now
	m.PredictorID, m.PredictedValue, m.LowerValue, m.UpperValue, m.Trend, m.AnomalyDegree = nil, nil, nil, nil, nil, nil
	s.metrics[m.ID] = copyMetric(m)
	s.metricByKey[key] = m.ID
	return nil
}

func (s *Store) SaveForecast(_ context.Context, m *database.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.metrics[m.ID]
	if !ok {
		return database.ErrNotFound
	}
	if existing.PredictorID == nil && m.PredictorID != nil {
		id := *m.PredictorID
		existing.PredictorID = &id
	}
	existing.PredictedValue = copyFloat(m.PredictedValue)
	existing.LowerValue = copyFloat(m.LowerValue)
	existing.UpperValue = copyFloat(m.UpperValue)
	existing.Trend = copyFloat(m.Trend)
	existing.AnomalyDegree = copyFloat(m.AnomalyDegree)
	existing.UpdatedAt = time.Now()

	if existing.PredictorID != nil {
		id := *existing.PredictorID
		m.PredictorID = &id
	}
	return nil
}

func (s *Store) RefreshProgress(_ context.Context, date time.Time) (*database.PredictionProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RefreshCalls++

	day := database.TruncateDay(date)
	p, ok := s.progress[day]
	if !ok {
		p = &database.PredictionProgress{ID: uuid.New(), Date: day}
		s.progress[day] = p
	}

	p.Total, p.Scored = 0, 0
	for _, m := range s.metrics {
		if !m.Date.Equal(day) {
			continue
		}
		p.Total++
		if m.PredictedValue != nil {
			p.Scored++
		}
	}
	p.SuccessPercentage = database.SuccessPercentage(p.Scored, p.Total)
	p.UpdatedAt = time.Now()

	clone := *p
	return &clone, nil
}

func (s *Store) GetProgress(_ context.Context, date time.Time) (*database.PredictionProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[database.TruncateDay(date)]
	if !ok {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

func (s *Store) PredictorsWithMetricsInRange(_ context.Context, regionCode string, from, to time.Time) ([]*database.Predictor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, to = database.TruncateDay(from), database.TruncateDay(to)
	seen := make(map[uuid.UUID]bool)
	var predictors []*database.Predictor
	for _, m := range s.metrics {
		if m.PredictorID == nil || m.Date.Before(from) || m.Date.After(to) || seen[*m.PredictorID] {
			continue
		}
		p := s.predictors[*m.PredictorID]
		if regionCode != "" && p.RegionCode != regionCode {
			continue
		}
		seen[p.ID] = true
		predictors = append(predictors, copyPredictor(p))
	}
	sort.Slice(predictors, func(i, j int) bool {
		if predictors[i].RegionCode != predictors[j].RegionCode {
			return predictors[i].RegionCode < predictors[j].RegionCode
		}
		return predictors[i].LastTrainingDate.Before(predictors[j].LastTrainingDate)
	})
	return predictors, nil
}

func (s *Store) MetricsForPredictorInRange(_ context.Context, predictorID uuid.UUID, from, to time.Time) ([]*database.Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, to = database.TruncateDay(from), database.TruncateDay(to)
	var metrics []*database.Metric
	for _, m := range s.metrics {
		if m.PredictorID == nil || *m.PredictorID != predictorID || m.Date.Before(from) || m.Date.After(to) {
			continue
		}
		metrics = append(metrics, copyMetric(m))
	}
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].Date.Before(metrics[j].Date) })
	return metrics, nil
}

func (s *Store) BulkUpdateForecasts(_ context.Context, updates []database.ForecastUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BulkBatches = append(s.BulkBatches, len(updates))

	var n int64
	for _, u := range updates {
		m, ok := s.metrics[u.MetricID]
		if !ok {
			continue
		}
		m.PredictedValue = floatOf(u.PredictedValue)
		m.LowerValue = floatOf(u.LowerValue)
		m.UpperValue = floatOf(u.UpperValue)
		m.Trend = floatOf(u.Trend)
		m.AnomalyDegree = copyFloat(u.AnomalyDegree)
		n++
	}
	return n, nil
}

// Seed helpers

// AddRegion registers a region code
func (s *Store) AddRegion(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[code] = database.Region{Code: code, Name: code}
}

// PutMetric inserts or replaces a metric as is, bypassing scoring
func (s *Store) PutMetric(m *database.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.Date = database.TruncateDay(m.Date)
	s.metrics[m.ID] = copyMetric(m)
	s.metricByKey[metricKey{region: m.RegionCode, date: m.Date}] = m.ID
}

// PutPredictor inserts or replaces a predictor as is
func (s *Store) PutPredictor(p *database.Predictor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.LastTrainingDate = database.TruncateDay(p.LastTrainingDate)
	s.predictors[p.ID] = copyPredictor(p)
	s.predByKey[predictorKey{region: p.RegionCode, date: p.LastTrainingDate}] = p.ID
}

// Metric returns the stored metric of a region on a date, nil if absent
func (s *Store) Metric(regionCode string, date time.Time) *database.Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.metricByKey[metricKey{region: regionCode, date: database.TruncateDay(date)}]
	if !ok {
		return nil
	}
	return copyMetric(s.metrics[id])
}

// Predictors returns every predictor of a region ordered by training date
func (s *Store) Predictors(regionCode string) []*database.Predictor {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.Predictor
	for _, p := range s.predictors {
		if p.RegionCode == regionCode {
			out = append(out, copyPredictor(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTrainingDate.Before(out[j].LastTrainingDate) })
	return out
}

func recomputeAnomaly(m *database.Metric) *float64 {
	if m.LowerValue == nil || m.UpperValue == nil {
		return nil
	}
	var degree float64
	switch {
	case m.Value == 0:
		degree = 0
	case m.Value > *m.UpperValue:
		degree = (m.Value - *m.UpperValue) / m.Value
	case m.Value < *m.LowerValue:
		degree = (m.Value - *m.LowerValue) / m.Value
	}
	return &degree
}

func copyPredictor(p *database.Predictor) *database.Predictor {
	clone := *p
	clone.Weights = append([]byte(nil), p.Weights...)
	if len(p.Weights) == 0 {
		clone.Weights = nil
	}
	clone.Trend = append([]float64(nil), p.Trend...)
	clone.YearlySeasonality = append([]float64(nil), p.YearlySeasonality...)
	if p.TrainingAttemptedAt != nil {
		t := *p.TrainingAttemptedAt
		clone.TrainingAttemptedAt = &t
	}
	return &clone
}

func copyMetric(m *database.Metric) *database.Metric {
	clone := *m
	if m.PredictorID != nil {
		id := *m.PredictorID
		clone.PredictorID = &id
	}
	clone.PredictedValue = copyFloat(m.PredictedValue)
	clone.LowerValue = copyFloat(m.LowerValue)
	clone.UpperValue = copyFloat(m.UpperValue)
	clone.Trend = copyFloat(m.Trend)
	clone.AnomalyDegree = copyFloat(m.AnomalyDegree)
	return &clone
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func floatOf(v float64) *float64 {
	return &v
}
