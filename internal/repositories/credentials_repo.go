package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/havenhub/haven/internal/models"
)

type PostgresCredentialsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresCredentialsRepository(pool *pgxpool.Pool) *PostgresCredentialsRepository {
	return &PostgresCredentialsRepository{pool: pool}
}

func (r *PostgresCredentialsRepository) Create(ctx context.Context, creds *models.DeviceCredentials) error {
	query := `INSERT INTO device_credentials (device_id, blob, nonce, algorithm, key_ref)
	          VALUES ($1, $2, $3, $4, $5)
	          RETURNING id, created_at`

	err := r.pool.QueryRow(ctx, query,
		creds.DeviceID,
		creds.Blob,
		creds.Nonce,
		creds.Algorithm,
		creds.KeyRef,
	).Scan(&creds.ID, &creds.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create credentials: %w", err)
	}
	return nil
}

func (r *PostgresCredentialsRepository) GetActiveByDeviceID(ctx context.Context, deviceID uuid.UUID) (*models.DeviceCredentials, error) {
	query := `SELECT id, device_id, blob, nonce, algorithm, key_ref, created_at, rotated_at
	          FROM device_credentials
	          WHERE device_id = $1 AND rotated_at IS NULL
	          ORDER BY created_at DESC
	          LIMIT 1`

	var creds models.DeviceCredentials
	err := r.pool.QueryRow(ctx, query, deviceID).Scan(
		&creds.ID,
		&creds.DeviceID,
		&creds.Blob,
		&creds.Nonce,
		&creds.Algorithm,
		&creds.KeyRef,
		&creds.CreatedAt,
		&creds.RotatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}
	return &creds, nil
}

// Rotate retires the active credentials and installs fresh ones in a single
// transaction. Old rows stay immutable for audit.
func (r *PostgresCredentialsRepository) Rotate(ctx context.Context, deviceID uuid.UUID, fresh *models.DeviceCredentials) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin rotation: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE device_credentials SET rotated_at = NOW() WHERE device_id = $1 AND rotated_at IS NULL`,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to retire credentials: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO device_credentials (device_id, blob, nonce, algorithm, key_ref)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		deviceID, fresh.Blob, fresh.Nonce, fresh.Algorithm, fresh.KeyRef,
	).Scan(&fresh.ID, &fresh.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert fresh credentials: %w", err)
	}
	fresh.DeviceID = deviceID

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rotation: %w", err)
	}
	return nil
}
