package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RefreshProgress recomputes the success percentage of a date. The progress
// row is locked for the whole transaction and both counts come from a single
// statement, so concurrent refreshes of the same date serialize and never mix
// snapshots.
func (db *DB) RefreshProgress(ctx context.Context, date time.Time) (*PredictionProgress, error) {
	day := TruncateDay(date)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin progress transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO prediction_progress (id, date, success_percentage)
		VALUES ($1, $2::date, 0)
		ON CONFLICT (date) DO NOTHING
	`, uuid.New(), day); err != nil {
		return nil, fmt.Errorf("failed to ensure progress row: %w", err)
	}

	progress := &PredictionProgress{Date: day}
	if err := tx.QueryRowContext(ctx, `
		SELECT id FROM prediction_progress WHERE date = $1::date FOR UPDATE
	`, day).Scan(&progress.ID); err != nil {
		return nil, fmt.Errorf("failed to lock progress row: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(predicted_value) FROM metrics WHERE date = $1::date
	`, day).Scan(&progress.Total, &progress.Scored); err != nil {
		return nil, fmt.Errorf("failed to count metrics: %w", err)
	}
	progress.SuccessPercentage = SuccessPercentage(progress.Scored, progress.Total)

	if err := tx.QueryRowContext(ctx, `
		UPDATE prediction_progress
		SET success_percentage = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING updated_at
	`, progress.ID, progress.SuccessPercentage).Scan(&progress.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to update progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit progress: %w", err)
	}
	return progress, nil
}

// GetProgress retrieves the stored progress of a date, nil if never refreshed
func (db *DB) GetProgress(ctx context.Context, date time.Time) (*PredictionProgress, error) {
	query := `
		SELECT id, date, success_percentage, updated_at
		FROM prediction_progress
		WHERE date = $1::date
	`

	var p PredictionProgress
	err := db.QueryRowContext(ctx, query, TruncateDay(date)).Scan(&p.ID, &p.Date, &p.SuccessPercentage, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	p.Date = TruncateDay(p.Date)
	return &p, nil
}
