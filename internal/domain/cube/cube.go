// internal/domain/cube/cube.go
package cube

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a cube.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Cube is one rotating savings group. Corresponds to the 'cubes' table.
type Cube struct {
	ID                   uuid.UUID
	Name                 string
	Status               Status
	CurrentCycle         int // Cycle about to run, starts at 1
	NumberOfMembers      int // Fixed capacity, equals rotation length
	AmountPerCycle       decimal.Decimal
	StartDate            sql.NullTime
	NextPayoutDate       sql.NullTime
	EndDate              sql.NullTime
	TotalAmountCollected decimal.Decimal
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// PayoutAmount is the pooled amount paid to a cycle winner.
func (c *Cube) PayoutAmount() decimal.Decimal {
	return c.AmountPerCycle.Mul(decimal.NewFromInt(int64(c.NumberOfMembers)))
}

// PayoutDateForCycle returns startDate + unit*cycle. It is recomputed from
// scratch so repeated advances never drift.
func (c *Cube) PayoutDateForCycle(unit time.Duration, cycle int) sql.NullTime {
	if !c.StartDate.Valid {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: c.StartDate.Time.Add(unit * time.Duration(cycle)), Valid: true}
}

// IsDue reports whether the timing guard lets the current cycle run at now.
func (c *Cube) IsDue(now time.Time) bool {
	return !c.NextPayoutDate.Valid || !now.Before(c.NextPayoutDate.Time)
}

// Complete moves the cube to its terminal state. currentCycle is left untouched.
func (c *Cube) Complete(now time.Time) {
	c.Status = StatusCompleted
	c.NextPayoutDate = sql.NullTime{}
	c.EndDate = sql.NullTime{Time: now, Valid: true}
}
