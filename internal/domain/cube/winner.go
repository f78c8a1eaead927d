package cube

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CycleWinner is the immutable outcome of one cycle.
// Corresponds to the 'cycle_winners' table; (cube_id, cycle_number) is unique.
type CycleWinner struct {
	ID              uuid.UUID
	CubeID          uuid.UUID
	CycleNumber     int
	UserID          int64
	PayoutAmount    decimal.Decimal
	SelectedAt      time.Time
	PayoutSent      bool
	PayoutReference sql.NullString
	PayoutAttempts  int
	LastPayoutError sql.NullString
}

// PayoutKey identifies one payout for idempotent transfers.
func (w *CycleWinner) PayoutKey() string {
	return PayoutKey(w.CubeID, w.CycleNumber, w.UserID)
}

func PayoutKey(cubeID uuid.UUID, cycleNumber int, userID int64) string {
	return fmt.Sprintf("%s:%d:%d", cubeID, cycleNumber, userID)
}

// Contribution is a completed payment of one member for one cycle.
// Corresponds to the 'cycle_contributions' table.
type Contribution struct {
	ID          uuid.UUID
	CubeID      uuid.UUID
	CycleNumber int
	UserID      int64
	Amount      decimal.Decimal
	PaidAt      time.Time
}

// PayoutTransfer is the ledger record of money sent to a winner.
// Corresponds to the 'payout_transfers' table.
type PayoutTransfer struct {
	Reference      string
	IdempotencyKey string
	CubeID         uuid.UUID
	CycleNumber    int
	UserID         int64
	Amount         decimal.Decimal
	CreatedAt      time.Time
}
