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

const predictorColumns = `
	id, region_code, last_training_date, weights, trend, yearly_seasonality,
	training_attempted_at, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPredictor(row rowScanner) (*Predictor, error) {
	var p Predictor
	var attemptedAt sql.NullTime
	if err := row.Scan(
		&p.ID,
		&p.RegionCode,
		&p.LastTrainingDate,
		&p.Weights,
		pq.Array(&p.Trend),
		pq.Array(&p.YearlySeasonality),
		&attemptedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.LastTrainingDate = TruncateDay(p.LastTrainingDate)
	if attemptedAt.Valid {
		t := attemptedAt.Time
		p.TrainingAttemptedAt = &t
	}
	return &p, nil
}

// LatestPredictor returns the most recent predictor of a region trained as of
// the given date, or nil if the region has none yet
func (db *DB) LatestPredictor(ctx context.Context, regionCode string, asOf time.Time) (*Predictor, error) {
	query := `SELECT ` + predictorColumns + `
		FROM predictors
		WHERE region_code = $1 AND last_training_date <= $2::date
		ORDER BY last_training_date DESC
		LIMIT 1
	`

	p, err := scanPredictor(db.QueryRowContext(ctx, query, regionCode, TruncateDay(asOf)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest predictor: %w", err)
	}
	return p, nil
}

// GetPredictor retrieves a predictor by id
func (db *DB) GetPredictor(ctx context.Context, id uuid.UUID) (*Predictor, error) {
	query := `SELECT ` + predictorColumns + ` FROM predictors WHERE id = $1`

	p, err := scanPredictor(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get predictor %s: %w", id, err)
	}
	return p, nil
}

// CreatePredictor inserts an untrained predictor placeholder. A concurrent
// insert of the same (region, training date) fails with ErrDuplicateKey.
func (db *DB) CreatePredictor(ctx context.Context, regionCode string, trainingDate time.Time) (*Predictor, error) {
	p := &Predictor{
		ID:               uuid.New(),
		RegionCode:       regionCode,
		LastTrainingDate: TruncateDay(trainingDate),
	}

	query := `
		INSERT INTO predictors (id, region_code, last_training_date)
		VALUES ($1, $2, $3::date)
		RETURNING created_at, updated_at
	`

	err := db.QueryRowContext(ctx, query, p.ID, p.RegionCode, p.LastTrainingDate).Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create predictor: %w", err)
	}
	return p, nil
}

// SavePredictorTraining stores the outcome of a training attempt in a single
// statement, so a half-written model is never visible
func (db *DB) SavePredictorTraining(ctx context.Context, p *Predictor) error {
	query := `
		UPDATE predictors
		SET weights = $2,
		    trend = $3,
		    yearly_seasonality = $4,
		    training_attempted_at = $5,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING updated_at
	`

	err := db.QueryRowContext(ctx, query,
		p.ID,
		nullableJSON(p.Weights),
		pq.Array(p.Trend),
		pq.Array(p.YearlySeasonality),
		p.TrainingAttemptedAt,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to save predictor %s: %w", p.ID, err)
	}
	return nil
}

// PredictorsWithMetricsInRange lists the predictors that scored at least one
// metric between from and to (inclusive), optionally for a single region
func (db *DB) PredictorsWithMetricsInRange(ctx context.Context, regionCode string, from, to time.Time) ([]*Predictor, error) {
	query := `SELECT ` + predictorColumns + `
		FROM predictors p
		WHERE EXISTS (
			SELECT 1 FROM metrics m
			WHERE m.predictor_id = p.id
			  AND m.date >= $1::date
			  AND m.date <= $2::date
		)
		AND ($3 = '' OR p.region_code = $3)
		ORDER BY p.region_code, p.last_training_date
	`

	rows, err := db.QueryContext(ctx, query, TruncateDay(from), TruncateDay(to), regionCode)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictors: %w", err)
	}
	defer rows.Close()

	var predictors []*Predictor
	for rows.Next() {
		p, err := scanPredictor(rows)
		if err != nil {
			return nil, err
		}
		predictors = append(predictors, p)
	}

	return predictors, rows.Err()
}
