package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cube_rotation_bot/internal/domain/cube"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

const cubeColumns = `id, name, status, current_cycle, number_of_members, amount_per_cycle,
       start_date, next_payout_date, end_date, total_amount_collected, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCube(row rowScanner) (*cube.Cube, error) {
	c := &cube.Cube{}
	err := row.Scan(&c.ID, &c.Name, &c.Status, &c.CurrentCycle, &c.NumberOfMembers, &c.AmountPerCycle,
		&c.StartDate, &c.NextPayoutDate, &c.EndDate, &c.TotalAmountCollected, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type PostgresCubeRepository struct {
	db *sql.DB
}

func NewPostgresCubeRepository(db *sql.DB) *PostgresCubeRepository {
	return &PostgresCubeRepository{db: db}
}

func (r *PostgresCubeRepository) Create(ctx context.Context, c *cube.Cube) error {
	query := `INSERT INTO cubes (id, name, status, current_cycle, number_of_members, amount_per_cycle,
                                 start_date, next_payout_date, end_date, total_amount_collected)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
              RETURNING created_at, updated_at`
	err := executor(ctx, r.db).QueryRowContext(ctx, query,
		c.ID, c.Name, c.Status, c.CurrentCycle, c.NumberOfMembers, c.AmountPerCycle,
		c.StartDate, c.NextPayoutDate, c.EndDate, c.TotalAmountCollected,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error creating cube: %w", err)
	}
	return nil
}

func (r *PostgresCubeRepository) GetByID(ctx context.Context, id uuid.UUID) (*cube.Cube, error) {
	return r.get(ctx, `SELECT `+cubeColumns+` FROM cubes WHERE id = $1`, id)
}

func (r *PostgresCubeRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*cube.Cube, error) {
	return r.get(ctx, `SELECT `+cubeColumns+` FROM cubes WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresCubeRepository) get(ctx context.Context, query string, id uuid.UUID) (*cube.Cube, error) {
	c, err := scanCube(executor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cube.ErrCubeNotFound
		}
		return nil, fmt.Errorf("error getting cube by ID: %w", err)
	}
	return c, nil
}

func (r *PostgresCubeRepository) Update(ctx context.Context, c *cube.Cube) error {
	query := `UPDATE cubes
              SET name = $1, status = $2, current_cycle = $3, number_of_members = $4, amount_per_cycle = $5,
                  start_date = $6, next_payout_date = $7, end_date = $8, total_amount_collected = $9,
                  updated_at = NOW()
              WHERE id = $10
              RETURNING updated_at`
	err := executor(ctx, r.db).QueryRowContext(ctx, query,
		c.Name, c.Status, c.CurrentCycle, c.NumberOfMembers, c.AmountPerCycle,
		c.StartDate, c.NextPayoutDate, c.EndDate, c.TotalAmountCollected, c.ID,
	).Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cube.ErrCubeNotFound
		}
		return fmt.Errorf("error updating cube: %w", err)
	}
	return nil
}

func (r *PostgresCubeRepository) ListDue(ctx context.Context, now time.Time) ([]*cube.Cube, error) {
	query := `SELECT ` + cubeColumns + ` FROM cubes
              WHERE status = $1 AND next_payout_date IS NOT NULL AND next_payout_date <= $2
              ORDER BY next_payout_date ASC`
	return r.list(ctx, query, cube.StatusActive, now)
}

func (r *PostgresCubeRepository) ListByStatus(ctx context.Context, status cube.Status) ([]*cube.Cube, error) {
	query := `SELECT ` + cubeColumns + ` FROM cubes WHERE status = $1 ORDER BY created_at ASC`
	return r.list(ctx, query, status)
}

func (r *PostgresCubeRepository) list(ctx context.Context, query string, args ...any) ([]*cube.Cube, error) {
	rows, err := executor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing cubes: %w", err)
	}
	defer rows.Close()

	var cubes []*cube.Cube
	for rows.Next() {
		c, err := scanCube(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning cube row: %w", err)
		}
		cubes = append(cubes, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cube rows: %w", err)
	}
	return cubes, nil
}

// TryClaim takes the processing lease on a cube unless another holder owns an
// unexpired one. It is safe across bot instances sharing the database.
func (r *PostgresCubeRepository) TryClaim(ctx context.Context, cubeID uuid.UUID, holder string, ttl time.Duration) (bool, error) {
	query := `UPDATE cubes
              SET processing_owner = $2, processing_until = NOW() + make_interval(secs => $3)
              WHERE id = $1
                AND (processing_owner IS NULL OR processing_owner = $2 OR processing_until < NOW())`
	res, err := executor(ctx, r.db).ExecContext(ctx, query, cubeID, holder, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("error claiming cube: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading claim result: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresCubeRepository) ReleaseClaim(ctx context.Context, cubeID uuid.UUID, holder string) error {
	query := `UPDATE cubes SET processing_owner = NULL, processing_until = NULL
              WHERE id = $1 AND processing_owner = $2`
	if _, err := executor(ctx, r.db).ExecContext(ctx, query, cubeID, holder); err != nil {
		return fmt.Errorf("error releasing cube claim: %w", err)
	}
	return nil
}
