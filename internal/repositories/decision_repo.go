package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/havenhub/haven/internal/models"
)

// PostgresDecisionRepository is the append-only privacy audit log. Rows are
// never updated or deleted.
type PostgresDecisionRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresDecisionRepository(pool *pgxpool.Pool) *PostgresDecisionRepository {
	return &PostgresDecisionRepository{pool: pool}
}

func (r *PostgresDecisionRepository) Append(ctx context.Context, decision *models.PrivacyDecision) error {
	query := `INSERT INTO privacy_decision_logs (device_id, allowed, policy_version, reason)
	          VALUES ($1, $2, $3, NULLIF($4, ''))
	          RETURNING id, created_at`

	err := r.pool.QueryRow(ctx, query,
		decision.DeviceID,
		decision.Allowed,
		decision.PolicyVersion,
		decision.Reason,
	).Scan(&decision.ID, &decision.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to append privacy decision: %w", err)
	}
	return nil
}

func (r *PostgresDecisionRepository) ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.PrivacyDecision, error) {
	query := `SELECT id, device_id, allowed, policy_version, COALESCE(reason, ''), created_at
	          FROM privacy_decision_logs
	          WHERE device_id = $1
	          ORDER BY created_at DESC
	          LIMIT $2`

	rows, err := r.pool.Query(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query privacy decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*models.PrivacyDecision
	for rows.Next() {
		var d models.PrivacyDecision
		err := rows.Scan(&d.ID, &d.DeviceID, &d.Allowed, &d.PolicyVersion, &d.Reason, &d.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan privacy decision: %w", err)
		}
		decisions = append(decisions, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating privacy decisions: %w", err)
	}
	return decisions, nil
}
