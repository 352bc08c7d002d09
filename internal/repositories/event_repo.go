package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/havenhub/haven/internal/models"
)

type PostgresEventRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresEventRepository(pool *pgxpool.Pool) *PostgresEventRepository {
	return &PostgresEventRepository{pool: pool}
}

// Append stores the event exactly once. Flagged is computed inside the
// insert against the device's highest stored seq, so a non-increasing seq
// is kept but marked without a read-modify-write race. The partial unique
// index on (device_id, seq) WHERE NOT flagged keeps the clean history
// strictly unique while flagged rows remain storable.
//
// Two concurrent inserts with the same (device_id, seq) can both compute
// flagged = false; the loser then trips the partial index. By that point the
// winner's row is visible, so a single retry recomputes flagged = true and
// the event is stored rather than rejected.
func (r *PostgresEventRepository) Append(ctx context.Context, event *models.Event) error {
	err := r.insert(ctx, event)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		err = r.insert(ctx, event)
	}
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r *PostgresEventRepository) insert(ctx context.Context, event *models.Event) error {
	query := `INSERT INTO events
	            (device_id, capability, data_class, purpose, value, seq, policy_version, flagged)
	          VALUES ($1, $2, $3, $4, $5, $6, $7,
	            COALESCE($6 <= (SELECT MAX(seq) FROM events e WHERE e.device_id = $1), false))
	          RETURNING id, flagged, created_at`

	return r.pool.QueryRow(ctx, query,
		event.DeviceID,
		event.Capability,
		event.DataClass,
		event.Purpose,
		event.Value,
		event.Seq,
		event.PolicyVersion,
	).Scan(&event.ID, &event.Flagged, &event.CreatedAt)
}

func (r *PostgresEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	query := `SELECT id, device_id, capability, data_class, purpose, value, seq, policy_version, flagged, created_at
	          FROM events
	          WHERE id = $1`

	var event models.Event
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&event.ID,
		&event.DeviceID,
		&event.Capability,
		&event.DataClass,
		&event.Purpose,
		&event.Value,
		&event.Seq,
		&event.PolicyVersion,
		&event.Flagged,
		&event.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &event, nil
}

func (r *PostgresEventRepository) ListByDevice(ctx context.Context, deviceID uuid.UUID, sinceSeq int64, limit int) ([]*models.Event, error) {
	query := `SELECT id, device_id, capability, data_class, purpose, value, seq, policy_version, flagged, created_at
	          FROM events
	          WHERE device_id = $1 AND seq > $2
	          ORDER BY seq ASC
	          LIMIT $3`

	rows, err := r.pool.Query(ctx, query, deviceID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var event models.Event
		err := rows.Scan(
			&event.ID,
			&event.DeviceID,
			&event.Capability,
			&event.DataClass,
			&event.Purpose,
			&event.Value,
			&event.Seq,
			&event.PolicyVersion,
			&event.Flagged,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func (r *PostgresEventRepository) MaxSeqByDevice(ctx context.Context) (map[uuid.UUID]int64, error) {
	query := `SELECT device_id, MAX(seq) FROM events GROUP BY device_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query max seq: %w", err)
	}
	defer rows.Close()

	result := make(map[uuid.UUID]int64)
	for rows.Next() {
		var deviceID uuid.UUID
		var maxSeq int64
		if err := rows.Scan(&deviceID, &maxSeq); err != nil {
			return nil, fmt.Errorf("failed to scan max seq: %w", err)
		}
		result[deviceID] = maxSeq
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating max seq: %w", err)
	}
	return result, nil
}
