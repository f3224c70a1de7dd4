package database

import (
	"context"
	"database/sql"
	"errors"
)

// UpsertRegion inserts or renames a region
func (db *DB) UpsertRegion(ctx context.Context, region *Region) error {
	query := `
		INSERT INTO regions (code, name)
		VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name
	`
	_, err := db.ExecContext(ctx, query, region.Code, region.Name)
	return err
}

// GetRegion retrieves a region by code, nil if it does not exist
func (db *DB) GetRegion(ctx context.Context, code string) (*Region, error) {
	query := `SELECT code, name, created_at FROM regions WHERE code = $1`

	var r Region
	err := db.QueryRowContext(ctx, query, code).Scan(&r.Code, &r.Name, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RegionExists reports whether the region catalog knows the code
func (db *DB) RegionExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM regions WHERE code = $1)`, code).Scan(&exists)
	return exists, err
}
