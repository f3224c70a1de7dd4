package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// UpsertMetric stores the raw value of a (region, date) observation. An
// existing row keeps its predictor reference and forecast band; its anomaly
// degree is recomputed against the new value.
func (db *DB) UpsertMetric(ctx context.Context, m *Metric) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.Date = TruncateDay(m.Date)

	query := `
		INSERT INTO metrics (id, region_code, date, value)
		VALUES ($1, $2, $3::date, $4)
		ON CONFLICT (region_code, date) DO UPDATE
		SET value = EXCLUDED.value,
		    anomaly_degree = CASE
		        WHEN metrics.lower_value IS NULL OR metrics.upper_value IS NULL THEN NULL
		        WHEN EXCLUDED.value = 0 THEN 0
		        WHEN EXCLUDED.value > metrics.upper_value THEN (EXCLUDED.value - metrics.upper_value) / EXCLUDED.value
		        WHEN EXCLUDED.value < metrics.lower_value THEN (EXCLUDED.value - metrics.lower_value) / EXCLUDED.value
		        ELSE 0
		    END,
		    updated_at = CURRENT_TIMESTAMP
		RETURNING id, predictor_id, predicted_value, lower_value, upper_value,
		          trend, anomaly_degree, created_at, updated_at
	`

	var predictorID uuid.NullUUID
	var predicted, lower, upper, trend, anomaly sql.NullFloat64
	err := db.QueryRowContext(ctx, query, m.ID, m.RegionCode, m.Date, m.Value).Scan(
		&m.ID,
		&predictorID,
		&predicted,
		&lower,
		&upper,
		&trend,
		&anomaly,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert metric: %w", err)
	}

	m.PredictorID = nil
	if predictorID.Valid {
		id := predictorID.UUID
		m.PredictorID = &id
	}
	m.PredictedValue = floatPtr(predicted)
	m.LowerValue = floatPtr(lower)
	m.UpperValue = floatPtr(upper)
	m.Trend = floatPtr(trend)
	m.AnomalyDegree = floatPtr(anomaly)
	return nil
}

// SaveForecast stores the forecast band and anomaly degree of a metric. The
// predictor reference is only set when the metric has none yet.
func (db *DB) SaveForecast(ctx context.Context, m *Metric) error {
	query := `
		UPDATE metrics
		SET predictor_id = COALESCE(predictor_id, $2),
		    predicted_value = $3,
		    lower_value = $4,
		    upper_value = $5,
		    trend = $6,
		    anomaly_degree = $7,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING predictor_id, updated_at
	`

	var predictorID uuid.NullUUID
	if m.PredictorID != nil {
		predictorID = uuid.NullUUID{UUID: *m.PredictorID, Valid: true}
	}

	var stored uuid.NullUUID
	err := db.QueryRowContext(ctx, query,
		m.ID,
		predictorID,
		m.PredictedValue,
		m.LowerValue,
		m.UpperValue,
		m.Trend,
		m.AnomalyDegree,
	).Scan(&stored, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to save forecast for metric %s: %w", m.ID, err)
	}
	if stored.Valid {
		id := stored.UUID
		m.PredictorID = &id
	}
	return nil
}

// MetricHistory returns the observations of a region strictly before the
// given date, ordered by date ascending
func (db *DB) MetricHistory(ctx context.Context, regionCode string, before time.Time) ([]Observation, error) {
	query := `
		SELECT date, value
		FROM metrics
		WHERE region_code = $1 AND date < $2::date
		ORDER BY date ASC
	`

	rows, err := db.QueryContext(ctx, query, regionCode, TruncateDay(before))
	if err != nil {
		return nil, fmt.Errorf("failed to load metric history: %w", err)
	}
	defer rows.Close()

	var history []Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(&o.Date, &o.Value); err != nil {
			return nil, err
		}
		o.Date = TruncateDay(o.Date)
		history = append(history, o)
	}

	return history, rows.Err()
}

// MetricsForPredictorInRange returns the metrics scored by a predictor between
// from and to (inclusive)
func (db *DB) MetricsForPredictorInRange(ctx context.Context, predictorID uuid.UUID, from, to time.Time) ([]*Metric, error) {
	query := `
		SELECT id, region_code, date, value
		FROM metrics
		WHERE predictor_id = $1 AND date >= $2::date AND date <= $3::date
		ORDER BY date
	`

	rows, err := db.QueryContext(ctx, query, predictorID, TruncateDay(from), TruncateDay(to))
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics for predictor %s: %w", predictorID, err)
	}
	defer rows.Close()

	var metrics []*Metric
	for rows.Next() {
		m := &Metric{PredictorID: &predictorID}
		if err := rows.Scan(&m.ID, &m.RegionCode, &m.Date, &m.Value); err != nil {
			return nil, err
		}
		m.Date = TruncateDay(m.Date)
		metrics = append(metrics, m)
	}

	return metrics, rows.Err()
}

// BulkUpdateForecasts writes a batch of forecast bands in one statement and
// returns the number of rows updated
func (db *DB) BulkUpdateForecasts(ctx context.Context, updates []ForecastUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	ids := make([]string, len(updates))
	predicted := make([]float64, len(updates))
	lower := make([]float64, len(updates))
	upper := make([]float64, len(updates))
	trend := make([]float64, len(updates))
	anomaly := make([]sql.NullFloat64, len(updates))
	for i, u := range updates {
		ids[i] = u.MetricID.String()
		predicted[i] = u.PredictedValue
		lower[i] = u.LowerValue
		upper[i] = u.UpperValue
		trend[i] = u.Trend
		if u.AnomalyDegree != nil {
			anomaly[i] = sql.NullFloat64{Float64: *u.AnomalyDegree, Valid: true}
		}
	}

	query := `
		UPDATE metrics AS m
		SET predicted_value = v.predicted_value,
		    lower_value = v.lower_value,
		    upper_value = v.upper_value,
		    trend = v.trend,
		    anomaly_degree = v.anomaly_degree,
		    updated_at = CURRENT_TIMESTAMP
		FROM (
			SELECT unnest($1::uuid[]) AS id,
			       unnest($2::float8[]) AS predicted_value,
			       unnest($3::float8[]) AS lower_value,
			       unnest($4::float8[]) AS upper_value,
			       unnest($5::float8[]) AS trend,
			       unnest($6::float8[]) AS anomaly_degree
		) AS v
		WHERE m.id = v.id
	`

	result, err := db.ExecContext(ctx, query,
		pq.Array(ids),
		pq.Array(predicted),
		pq.Array(lower),
		pq.Array(upper),
		pq.Array(trend),
		pq.Array(anomaly),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk update forecasts: %w", err)
	}

	return result.RowsAffected()
}
