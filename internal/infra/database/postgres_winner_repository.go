package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cube_rotation_bot/internal/domain/cube"

	"github.com/google/uuid"
)

const winnerColumns = `id, cube_id, cycle_number, user_id, payout_amount, selected_at,
       payout_sent, payout_reference, payout_attempts, last_payout_error`

func scanWinner(row rowScanner) (*cube.CycleWinner, error) {
	w := &cube.CycleWinner{}
	err := row.Scan(&w.ID, &w.CubeID, &w.CycleNumber, &w.UserID, &w.PayoutAmount, &w.SelectedAt,
		&w.PayoutSent, &w.PayoutReference, &w.PayoutAttempts, &w.LastPayoutError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

type PostgresWinnerRepository struct {
	db *sql.DB
}

func NewPostgresWinnerRepository(db *sql.DB) *PostgresWinnerRepository {
	return &PostgresWinnerRepository{db: db}
}

func (r *PostgresWinnerRepository) CreateWinner(ctx context.Context, w *cube.CycleWinner) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	query := `INSERT INTO cycle_winners (id, cube_id, cycle_number, user_id, payout_amount, selected_at)
              VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := executor(ctx, r.db).ExecContext(ctx, query, w.ID, w.CubeID, w.CycleNumber, w.UserID, w.PayoutAmount, w.SelectedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return cube.ErrDuplicateWinner
		}
		return fmt.Errorf("error creating winner: %w", err)
	}
	return nil
}

func (r *PostgresWinnerRepository) GetWinner(ctx context.Context, cubeID uuid.UUID, cycleNumber int) (*cube.CycleWinner, error) {
	query := `SELECT ` + winnerColumns + ` FROM cycle_winners WHERE cube_id = $1 AND cycle_number = $2`
	w, err := scanWinner(executor(ctx, r.db).QueryRowContext(ctx, query, cubeID, cycleNumber))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cube.ErrWinnerNotFound
		}
		return nil, fmt.Errorf("error getting winner: %w", err)
	}
	return w, nil
}

func (r *PostgresWinnerRepository) ListWinners(ctx context.Context, cubeID uuid.UUID) ([]*cube.CycleWinner, error) {
	query := `SELECT ` + winnerColumns + ` FROM cycle_winners WHERE cube_id = $1 ORDER BY cycle_number ASC`
	return r.list(ctx, query, cubeID)
}

func (r *PostgresWinnerRepository) ListPendingPayouts(ctx context.Context, maxAttempts int) ([]*cube.CycleWinner, error) {
	query := `SELECT ` + winnerColumns + ` FROM cycle_winners
              WHERE payout_sent = FALSE AND payout_attempts < $1
              ORDER BY selected_at ASC`
	return r.list(ctx, query, maxAttempts)
}

func (r *PostgresWinnerRepository) list(ctx context.Context, query string, args ...any) ([]*cube.CycleWinner, error) {
	rows, err := executor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing winners: %w", err)
	}
	defer rows.Close()

	winners := make([]*cube.CycleWinner, 0)
	for rows.Next() {
		w, err := scanWinner(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning winner row: %w", err)
		}
		winners = append(winners, w)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating winner rows: %w", err)
	}
	return winners, nil
}

func (r *PostgresWinnerRepository) MarkPayoutSent(ctx context.Context, winnerID uuid.UUID, reference string) error {
	query := `UPDATE cycle_winners
              SET payout_sent = TRUE, payout_reference = $1, payout_attempts = payout_attempts + 1, last_payout_error = NULL
              WHERE id = $2`
	return r.updateOne(ctx, query, reference, winnerID)
}

func (r *PostgresWinnerRepository) RecordPayoutFailure(ctx context.Context, winnerID uuid.UUID, reason string) error {
	query := `UPDATE cycle_winners
              SET payout_attempts = payout_attempts + 1, last_payout_error = $1
              WHERE id = $2`
	return r.updateOne(ctx, query, reason, winnerID)
}

func (r *PostgresWinnerRepository) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := executor(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error updating winner: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected for winner update: %w", err)
	}
	if rowsAffected == 0 {
		return cube.ErrWinnerNotFound
	}
	return nil
}
