package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/havenhub/haven/internal/models"
)

const uniqueViolation = "23505"

type PostgresCommandRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresCommandRepository(pool *pgxpool.Pool) *PostgresCommandRepository {
	return &PostgresCommandRepository{pool: pool}
}

func (r *PostgresCommandRepository) Create(ctx context.Context, cmd *models.CommandLog) error {
	query := `INSERT INTO command_logs
	            (device_id, capability, params, priority, deadline, idempotency_key, status)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          RETURNING id, created_at`

	err := r.pool.QueryRow(ctx, query,
		cmd.DeviceID,
		cmd.Capability,
		cmd.Params,
		cmd.Priority,
		cmd.Deadline,
		cmd.IdempotencyKey,
		cmd.Status,
	).Scan(&cmd.ID, &cmd.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("failed to create command log: %w", err)
	}
	return nil
}

const commandColumns = `id, device_id, capability, params, priority, deadline, idempotency_key, status, error, created_at, updated_at`

func (r *PostgresCommandRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CommandLog, error) {
	query := `SELECT ` + commandColumns + ` FROM command_logs WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresCommandRepository) GetByIdempotencyKey(ctx context.Context, deviceID uuid.UUID, capability, key string) (*models.CommandLog, error) {
	query := `SELECT ` + commandColumns + `
	          FROM command_logs
	          WHERE device_id = $1 AND capability = $2 AND idempotency_key = $3`
	return r.scanOne(r.pool.QueryRow(ctx, query, deviceID, capability, key))
}

// Transition moves a command from one status to another only if it is
// still in from; a terminal or concurrently-advanced row yields ErrNotFound.
func (r *PostgresCommandRepository) Transition(ctx context.Context, id uuid.UUID, from, to models.CommandStatus, errMsg *string) error {
	query := `UPDATE command_logs
	          SET status = $1, error = COALESCE($2, error), updated_at = NOW()
	          WHERE id = $3 AND status = $4`

	result, err := r.pool.Exec(ctx, query, to, errMsg, id, from)
	if err != nil {
		return fmt.Errorf("failed to transition command: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresCommandRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE command_logs
	          SET status = $1, error = 'deadline_exceeded', updated_at = NOW()
	          WHERE status IN ($2, $3) AND deadline IS NOT NULL AND deadline < $4`

	result, err := r.pool.Exec(ctx, query,
		models.CommandExpired, models.CommandAccepted, models.CommandDelivering, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire overdue commands: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresCommandRepository) ListPending(ctx context.Context) ([]*models.CommandLog, error) {
	query := `SELECT ` + commandColumns + `
	          FROM command_logs
	          WHERE status IN ($1, $2)
	          ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, models.CommandAccepted, models.CommandDelivering)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending commands: %w", err)
	}
	defer rows.Close()

	var cmds []*models.CommandLog
	for rows.Next() {
		var cmd models.CommandLog
		if err := scanCommand(rows, &cmd); err != nil {
			return nil, err
		}
		cmds = append(cmds, &cmd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending commands: %w", err)
	}
	return cmds, nil
}

func (r *PostgresCommandRepository) scanOne(row pgx.Row) (*models.CommandLog, error) {
	var cmd models.CommandLog
	err := scanCommand(row, &cmd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

func scanCommand(row pgx.Row, cmd *models.CommandLog) error {
	err := row.Scan(
		&cmd.ID,
		&cmd.DeviceID,
		&cmd.Capability,
		&cmd.Params,
		&cmd.Priority,
		&cmd.Deadline,
		&cmd.IdempotencyKey,
		&cmd.Status,
		&cmd.Error,
		&cmd.CreatedAt,
		&cmd.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to scan command log: %w", err)
	}
	return nil
}
