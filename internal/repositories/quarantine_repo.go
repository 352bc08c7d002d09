package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/havenhub/haven/internal/models"
)

type PostgresQuarantineRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresQuarantineRepository(pool *pgxpool.Pool) *PostgresQuarantineRepository {
	return &PostgresQuarantineRepository{pool: pool}
}

// Upsert installs or tightens the quarantine for a device. The table keeps
// one row per device via the unique index on device_id.
func (r *PostgresQuarantineRepository) Upsert(ctx context.Context, q *models.SecurityQuarantine) error {
	query := `INSERT INTO security_quarantines (device_id, mode, ttl_sec)
	          VALUES ($1, $2, $3)
	          ON CONFLICT (device_id) DO UPDATE
	            SET mode = EXCLUDED.mode,
	                ttl_sec = EXCLUDED.ttl_sec,
	                applied_at = NOW(),
	                updated_at = NOW()
	          RETURNING id, applied_at, updated_at`

	err := r.pool.QueryRow(ctx, query, q.DeviceID, q.Mode, q.TTLSec).
		Scan(&q.ID, &q.AppliedAt, &q.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert quarantine: %w", err)
	}
	return nil
}

func (r *PostgresQuarantineRepository) GetByDeviceID(ctx context.Context, deviceID uuid.UUID) (*models.SecurityQuarantine, error) {
	query := `SELECT id, device_id, mode, ttl_sec, applied_at, updated_at
	          FROM security_quarantines
	          WHERE device_id = $1`

	var q models.SecurityQuarantine
	err := r.pool.QueryRow(ctx, query, deviceID).Scan(
		&q.ID,
		&q.DeviceID,
		&q.Mode,
		&q.TTLSec,
		&q.AppliedAt,
		&q.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quarantine: %w", err)
	}
	return &q, nil
}

func (r *PostgresQuarantineRepository) Clear(ctx context.Context, deviceID uuid.UUID) error {
	result, err := r.pool.Exec(ctx,
		`DELETE FROM security_quarantines WHERE device_id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to clear quarantine: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired is the active sweep complementing lazy expiry on reads.
func (r *PostgresQuarantineRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM security_quarantines
	          WHERE ttl_sec IS NOT NULL
	            AND applied_at + make_interval(secs => ttl_sec) < $1`

	result, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired quarantines: %w", err)
	}
	return result.RowsAffected(), nil
}
