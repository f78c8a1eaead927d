package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cube_rotation_bot/internal/domain/cube"

	"github.com/google/uuid"
)

const memberColumns = `id, cube_id, user_id, role, payment_status, has_received_payout, payout_position, joined_at, updated_at`

func scanMember(row rowScanner) (*cube.Member, error) {
	m := &cube.Member{}
	err := row.Scan(&m.ID, &m.CubeID, &m.UserID, &m.Role, &m.PaymentStatus, &m.HasReceivedPayout,
		&m.PayoutPosition, &m.JoinedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

type PostgresMemberRepository struct {
	db *sql.DB
}

func NewPostgresMemberRepository(db *sql.DB) *PostgresMemberRepository {
	return &PostgresMemberRepository{db: db}
}

func (r *PostgresMemberRepository) AddMember(ctx context.Context, m *cube.Member) error {
	query := `INSERT INTO cube_members (id, cube_id, user_id, role, payment_status, has_received_payout, payout_position)
              VALUES ($1, $2, $3, $4, $5, $6, $7)
              RETURNING joined_at, updated_at`
	err := executor(ctx, r.db).QueryRowContext(ctx, query,
		m.ID, m.CubeID, m.UserID, m.Role, m.PaymentStatus, m.HasReceivedPayout, m.PayoutPosition,
	).Scan(&m.JoinedAt, &m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "cube_members_cube_user_unique") {
			return cube.ErrDuplicateMember
		}
		return fmt.Errorf("error adding member: %w", err)
	}
	return nil
}

func (r *PostgresMemberRepository) GetMember(ctx context.Context, cubeID uuid.UUID, userID int64) (*cube.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM cube_members WHERE cube_id = $1 AND user_id = $2`
	return r.get(ctx, query, cubeID, userID)
}

func (r *PostgresMemberRepository) GetMemberByID(ctx context.Context, memberID uuid.UUID) (*cube.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM cube_members WHERE id = $1`
	return r.get(ctx, query, memberID)
}

func (r *PostgresMemberRepository) get(ctx context.Context, query string, args ...any) (*cube.Member, error) {
	m, err := scanMember(executor(ctx, r.db).QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cube.ErrMemberNotFound
		}
		return nil, fmt.Errorf("error getting member: %w", err)
	}
	return m, nil
}

func (r *PostgresMemberRepository) ListMembers(ctx context.Context, cubeID uuid.UUID) ([]*cube.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM cube_members WHERE cube_id = $1 ORDER BY joined_at ASC, user_id ASC`
	rows, err := executor(ctx, r.db).QueryContext(ctx, query, cubeID)
	if err != nil {
		return nil, fmt.Errorf("error listing members: %w", err)
	}
	defer rows.Close()

	var members []*cube.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning member row: %w", err)
		}
		members = append(members, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating member rows: %w", err)
	}
	return members, nil
}

func (r *PostgresMemberRepository) CountMembers(ctx context.Context, cubeID uuid.UUID) (int, error) {
	var n int
	err := executor(ctx, r.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM cube_members WHERE cube_id = $1`, cubeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("error counting members: %w", err)
	}
	return n, nil
}

func (r *PostgresMemberRepository) SetPaymentStatus(ctx context.Context, cubeID uuid.UUID, userID int64, status cube.PaymentStatus) error {
	query := `UPDATE cube_members SET payment_status = $1, updated_at = NOW() WHERE cube_id = $2 AND user_id = $3`
	return r.updateOne(ctx, query, status, cubeID, userID)
}

func (r *PostgresMemberRepository) ResetPaymentStatus(ctx context.Context, cubeID uuid.UUID) error {
	query := `UPDATE cube_members SET payment_status = $1, updated_at = NOW() WHERE cube_id = $2`
	if _, err := executor(ctx, r.db).ExecContext(ctx, query, cube.PaymentAwaiting, cubeID); err != nil {
		return fmt.Errorf("error resetting payment status: %w", err)
	}
	return nil
}

func (r *PostgresMemberRepository) MarkPayoutReceived(ctx context.Context, cubeID uuid.UUID, userID int64) error {
	query := `UPDATE cube_members SET has_received_payout = TRUE, updated_at = NOW() WHERE cube_id = $1 AND user_id = $2`
	return r.updateOne(ctx, query, cubeID, userID)
}

func (r *PostgresMemberRepository) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := executor(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error updating member: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected for member update: %w", err)
	}
	if rowsAffected == 0 {
		return cube.ErrMemberNotFound
	}
	return nil
}
