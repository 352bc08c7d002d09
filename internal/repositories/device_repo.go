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

type PostgresDeviceRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresDeviceRepository(pool *pgxpool.Pool) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{pool: pool}
}

func (r *PostgresDeviceRepository) Create(ctx context.Context, device *models.Device) error {
	query := `INSERT INTO devices (name, capabilities, status)
	          VALUES ($1, $2, $3)
	          RETURNING id, created_at`

	err := r.pool.QueryRow(ctx, query,
		device.Name,
		device.Capabilities,
		device.Status,
	).Scan(&device.ID, &device.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (r *PostgresDeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `SELECT id, name, capabilities, status, last_seen_at, created_at, updated_at
	          FROM devices
	          WHERE id = $1`

	var device models.Device
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&device.ID,
		&device.Name,
		&device.Capabilities,
		&device.Status,
		&device.LastSeenAt,
		&device.CreatedAt,
		&device.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

func (r *PostgresDeviceRepository) List(ctx context.Context) ([]*models.Device, error) {
	query := `SELECT id, name, capabilities, status, last_seen_at, created_at, updated_at
	          FROM devices
	          ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		var device models.Device
		err := rows.Scan(
			&device.ID,
			&device.Name,
			&device.Capabilities,
			&device.Status,
			&device.LastSeenAt,
			&device.CreatedAt,
			&device.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, &device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

func (r *PostgresDeviceRepository) UpdateCapabilities(ctx context.Context, id uuid.UUID, capabilities []string) error {
	query := `UPDATE devices
	          SET capabilities = $1, updated_at = NOW()
	          WHERE id = $2`

	result, err := r.pool.Exec(ctx, query, capabilities, id)
	if err != nil {
		return fmt.Errorf("failed to update device capabilities: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDeviceRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.DeviceStatus) error {
	query := `UPDATE devices
	          SET status = $1, last_seen_at = NOW(), updated_at = NOW()
	          WHERE id = $2`

	result, err := r.pool.Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to set device status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
