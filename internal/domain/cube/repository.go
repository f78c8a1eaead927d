// internal/domain/cube/repository.go
package cube

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository persists Cube aggregates.
type Repository interface {
	Create(ctx context.Context, c *Cube) error
	GetByID(ctx context.Context, id uuid.UUID) (*Cube, error)
	// GetByIDForUpdate locks the cube row for the rest of the surrounding transaction.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Cube, error)
	Update(ctx context.Context, c *Cube) error
	// ListDue returns active cubes whose next payout date is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*Cube, error)
	ListByStatus(ctx context.Context, status Status) ([]*Cube, error)
}

// MemberRegistry holds the roster of each cube.
type MemberRegistry interface {
	AddMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, cubeID uuid.UUID, userID int64) (*Member, error)
	GetMemberByID(ctx context.Context, memberID uuid.UUID) (*Member, error)
	ListMembers(ctx context.Context, cubeID uuid.UUID) ([]*Member, error)
	CountMembers(ctx context.Context, cubeID uuid.UUID) (int, error)
	SetPaymentStatus(ctx context.Context, cubeID uuid.UUID, userID int64, status PaymentStatus) error
	// ResetPaymentStatus bulk-sets every member of the cube to awaiting.
	ResetPaymentStatus(ctx context.Context, cubeID uuid.UUID) error
	MarkPayoutReceived(ctx context.Context, cubeID uuid.UUID, userID int64) error
}

// PaymentLedger records contributions per cycle.
type PaymentLedger interface {
	// RecordContribution is idempotent per (cube, cycle, user); created is false on replay.
	RecordContribution(ctx context.Context, c *Contribution) (created bool, err error)
	HasAllMembersPaid(ctx context.Context, cubeID uuid.UUID, cycleNumber int) (bool, error)
	CountPaidContributions(ctx context.Context, cubeID uuid.UUID, cycleNumber int) (int, error)
	ListContributions(ctx context.Context, cubeID uuid.UUID, cycleNumber int) ([]*Contribution, error)
}

// PayoutLedger stores transfers keyed by their idempotency key.
type PayoutLedger interface {
	// RecordPayoutTransfer inserts t or returns the transfer already stored under t.IdempotencyKey.
	RecordPayoutTransfer(ctx context.Context, t *PayoutTransfer) (*PayoutTransfer, error)
}

// WinnerRepository persists CycleWinner records.
type WinnerRepository interface {
	CreateWinner(ctx context.Context, w *CycleWinner) error
	GetWinner(ctx context.Context, cubeID uuid.UUID, cycleNumber int) (*CycleWinner, error)
	ListWinners(ctx context.Context, cubeID uuid.UUID) ([]*CycleWinner, error)
	MarkPayoutSent(ctx context.Context, winnerID uuid.UUID, reference string) error
	RecordPayoutFailure(ctx context.Context, winnerID uuid.UUID, reason string) error
	ListPendingPayouts(ctx context.Context, maxAttempts int) ([]*CycleWinner, error)
}

// TransactionManager runs fn atomically. Repositories called with the ctx passed
// to fn take part in the same transaction.
type TransactionManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PayoutSender moves money to a winner once told to. Implementations must be
// idempotent on (cubeID, cycleNumber, userID).
type PayoutSender interface {
	SendPayout(ctx context.Context, userID int64, amount decimal.Decimal, cubeID uuid.UUID, cycleNumber int) (reference string, err error)
}

// ReadinessNotifier is told when membership or payment state changes.
type ReadinessNotifier interface {
	NotifyIfReady(ctx context.Context, cubeID uuid.UUID) error
}
