package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cube_rotation_bot/internal/domain/cube"

	"github.com/google/uuid"
)

// PostgresLedgerRepository stores cycle contributions and payout transfers.
type PostgresLedgerRepository struct {
	db *sql.DB
}

func NewPostgresLedgerRepository(db *sql.DB) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{db: db}
}

func (r *PostgresLedgerRepository) RecordContribution(ctx context.Context, c *cube.Contribution) (bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.PaidAt.IsZero() {
		c.PaidAt = time.Now()
	}
	query := `INSERT INTO cycle_contributions (id, cube_id, cycle_number, user_id, amount, paid_at)
              VALUES ($1, $2, $3, $4, $5, $6)
              ON CONFLICT ON CONSTRAINT cycle_contributions_unique DO NOTHING
              RETURNING paid_at`
	q := executor(ctx, r.db)
	err := q.QueryRowContext(ctx, query, c.ID, c.CubeID, c.CycleNumber, c.UserID, c.Amount, c.PaidAt).Scan(&c.PaidAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("error recording contribution: %w", err)
	}

	// Conflict: hand back the stored row.
	existing := `SELECT id, amount, paid_at FROM cycle_contributions
                 WHERE cube_id = $1 AND cycle_number = $2 AND user_id = $3`
	if err := q.QueryRowContext(ctx, existing, c.CubeID, c.CycleNumber, c.UserID).Scan(&c.ID, &c.Amount, &c.PaidAt); err != nil {
		return false, fmt.Errorf("error loading existing contribution: %w", err)
	}
	return false, nil
}

func (r *PostgresLedgerRepository) HasAllMembersPaid(ctx context.Context, cubeID uuid.UUID, cycleNumber int) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM cube_members WHERE cube_id = $1)
                 AND NOT EXISTS (
                     SELECT 1 FROM cube_members m
                     WHERE m.cube_id = $1
                       AND NOT EXISTS (
                           SELECT 1 FROM cycle_contributions c
                           WHERE c.cube_id = m.cube_id AND c.cycle_number = $2 AND c.user_id = m.user_id))`
	var allPaid bool
	if err := executor(ctx, r.db).QueryRowContext(ctx, query, cubeID, cycleNumber).Scan(&allPaid); err != nil {
		return false, fmt.Errorf("error checking contributions: %w", err)
	}
	return allPaid, nil
}

func (r *PostgresLedgerRepository) CountPaidContributions(ctx context.Context, cubeID uuid.UUID, cycleNumber int) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM cycle_contributions WHERE cube_id = $1 AND cycle_number = $2`
	if err := executor(ctx, r.db).QueryRowContext(ctx, query, cubeID, cycleNumber).Scan(&n); err != nil {
		return 0, fmt.Errorf("error counting contributions: %w", err)
	}
	return n, nil
}

func (r *PostgresLedgerRepository) ListContributions(ctx context.Context, cubeID uuid.UUID, cycleNumber int) ([]*cube.Contribution, error) {
	query := `SELECT id, cube_id, cycle_number, user_id, amount, paid_at FROM cycle_contributions
              WHERE cube_id = $1 AND cycle_number = $2 ORDER BY user_id ASC`
	rows, err := executor(ctx, r.db).QueryContext(ctx, query, cubeID, cycleNumber)
	if err != nil {
		return nil, fmt.Errorf("error listing contributions: %w", err)
	}
	defer rows.Close()

	contributions := make([]*cube.Contribution, 0)
	for rows.Next() {
		c := &cube.Contribution{}
		if err := rows.Scan(&c.ID, &c.CubeID, &c.CycleNumber, &c.UserID, &c.Amount, &c.PaidAt); err != nil {
			return nil, fmt.Errorf("error scanning contribution row: %w", err)
		}
		contributions = append(contributions, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contribution rows: %w", err)
	}
	return contributions, nil
}

func (r *PostgresLedgerRepository) RecordPayoutTransfer(ctx context.Context, t *cube.PayoutTransfer) (*cube.PayoutTransfer, error) {
	query := `INSERT INTO payout_transfers (reference, idempotency_key, cube_id, cycle_number, user_id, amount)
              VALUES ($1, $2, $3, $4, $5, $6)
              ON CONFLICT (idempotency_key) DO NOTHING`
	q := executor(ctx, r.db)
	if _, err := q.ExecContext(ctx, query, t.Reference, t.IdempotencyKey, t.CubeID, t.CycleNumber, t.UserID, t.Amount); err != nil {
		return nil, fmt.Errorf("error recording payout transfer: %w", err)
	}

	stored := &cube.PayoutTransfer{}
	err := q.QueryRowContext(ctx, `SELECT reference, idempotency_key, cube_id, cycle_number, user_id, amount, created_at
                                   FROM payout_transfers WHERE idempotency_key = $1`, t.IdempotencyKey).
		Scan(&stored.Reference, &stored.IdempotencyKey, &stored.CubeID, &stored.CycleNumber, &stored.UserID, &stored.Amount, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("error loading payout transfer: %w", err)
	}
	return stored, nil
}
