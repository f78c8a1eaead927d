// internal/app/cycle_engine.go
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cube_rotation_bot/internal/domain/cube"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OutcomeKind is the non-error result of ProcessCycle.
type OutcomeKind string

const (
	OutcomeWinnerSelected  OutcomeKind = "winner_selected"
	OutcomeSkippedNotReady OutcomeKind = "skipped_not_ready"
	OutcomeCompleted       OutcomeKind = "completed"
)

// CycleOutcome describes what one ProcessCycle call did.
type CycleOutcome struct {
	Kind        OutcomeKind
	CubeID      uuid.UUID
	CycleNumber int               // Cycle that was evaluated
	Winner      *cube.CycleWinner // nil when skipped or when completion found no one left
	Cube        *cube.Cube        // State after the call
	Awaiting    []int64           // Unpaid members when skipped
}

// PayoutDispatcher triggers the payout for a freshly recorded winner.
type PayoutDispatcher interface {
	Dispatch(ctx context.Context, w *cube.CycleWinner) error
}

// CycleEngine owns the cube state machine: start, cycle close, advance and completion.
type CycleEngine struct {
	cubes     cube.Repository
	members   cube.MemberRegistry
	ledger    cube.PaymentLedger
	winners   cube.WinnerRepository
	txManager cube.TransactionManager
	selector  *WinnerSelector
	payouts   PayoutDispatcher
	notifier  cube.ReadinessNotifier
	cycleUnit time.Duration
	now       func() time.Time
	logger    *logrus.Entry
}

func NewCycleEngine(
	cubes cube.Repository,
	members cube.MemberRegistry,
	ledger cube.PaymentLedger,
	winners cube.WinnerRepository,
	txManager cube.TransactionManager,
	selector *WinnerSelector,
	payouts PayoutDispatcher,
	notifier cube.ReadinessNotifier,
	cycleUnit time.Duration, // startDate + cycleUnit*cycle is the payout date of a cycle
	logger *logrus.Entry,
) *CycleEngine {
	return &CycleEngine{
		cubes:     cubes,
		members:   members,
		ledger:    ledger,
		winners:   winners,
		txManager: txManager,
		selector:  selector,
		payouts:   payouts,
		notifier:  notifier,
		cycleUnit: cycleUnit,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock replaces the engine's time source.
func (e *CycleEngine) SetClock(now func() time.Time) {
	e.now = now
}

// StartCube activates a draft cube once its roster is full and everyone paid cycle 1.
func (e *CycleEngine) StartCube(ctx context.Context, cubeID, memberID uuid.UUID, userID int64) (*cube.Cube, error) {
	logCtx := e.logger.WithFields(logrus.Fields{"cube_id": cubeID, "user_id": userID})

	var started *cube.Cube
	err := e.txManager.RunInTx(ctx, func(ctx context.Context) error {
		c, err := e.cubes.GetByIDForUpdate(ctx, cubeID)
		if err != nil {
			return err
		}
		if c.Status != cube.StatusDraft {
			return fmt.Errorf("%w: status is %s", cube.ErrCubeNotDraft, c.Status)
		}

		member, err := e.members.GetMemberByID(ctx, memberID)
		if err != nil {
			return err
		}
		if member.CubeID != c.ID {
			return fmt.Errorf("%w: member %s belongs to another cube", cube.ErrMemberNotFound, memberID)
		}
		if member.UserID != userID {
			return cube.ErrMemberMismatch
		}
		if c.CurrentCycle != 1 {
			return fmt.Errorf("%w: current cycle is %d", cube.ErrNotFirstCycle, c.CurrentCycle)
		}
		if !member.IsAdmin() {
			return cube.ErrNotAdmin
		}

		count, err := e.members.CountMembers(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("failed to count members: %w", err)
		}
		if count < c.NumberOfMembers {
			return fmt.Errorf("%w: %d of %d members joined", cube.ErrCubeNotFull, count, c.NumberOfMembers)
		}

		allPaid, err := e.ledger.HasAllMembersPaid(ctx, c.ID, 1)
		if err != nil {
			return fmt.Errorf("failed to check cycle 1 payments: %w", err)
		}
		if !allPaid {
			paid, err := e.ledger.CountPaidContributions(ctx, c.ID, 1)
			if err != nil {
				return fmt.Errorf("failed to count cycle 1 payments: %w", err)
			}
			return fmt.Errorf("%w: waiting on %d of %d members to pay", cube.ErrNotAllPaid, c.NumberOfMembers-paid, c.NumberOfMembers)
		}

		now := e.now()
		c.Status = cube.StatusActive
		if !c.StartDate.Valid {
			c.StartDate.Time, c.StartDate.Valid = now, true
		}
		c.NextPayoutDate = c.PayoutDateForCycle(e.cycleUnit, c.CurrentCycle)
		if err := e.cubes.Update(ctx, c); err != nil {
			return fmt.Errorf("failed to activate cube: %w", err)
		}
		started = c
		return nil
	})
	if err != nil {
		logCtx.WithError(err).Warn("Cube start rejected")
		return nil, err
	}

	logCtx.WithField("next_payout_date", started.NextPayoutDate.Time).Info("Cube started")
	return started, nil
}

// ProcessCycle closes the current cycle of a cube: it selects a winner among
// members who have not won yet, then advances or completes the rotation. The
// winner record and the cube bookkeeping are committed together; the payout is
// triggered only after that commit.
func (e *CycleEngine) ProcessCycle(ctx context.Context, cubeID uuid.UUID) (*CycleOutcome, error) {
	logCtx := e.logger.WithField("cube_id", cubeID)

	var outcome *CycleOutcome
	err := e.txManager.RunInTx(ctx, func(ctx context.Context) error {
		c, err := e.cubes.GetByIDForUpdate(ctx, cubeID)
		if err != nil {
			return err
		}

		now := e.now()
		if !c.IsDue(now) {
			return fmt.Errorf("%w: next payout at %s", cube.ErrCycleNotDue, c.NextPayoutDate.Time.Format(time.RFC3339))
		}
		if c.Status != cube.StatusActive {
			return fmt.Errorf("%w: status is %s", cube.ErrCubeNotActive, c.Status)
		}

		if _, err := e.winners.GetWinner(ctx, c.ID, c.CurrentCycle); err == nil {
			return fmt.Errorf("%w: cycle %d", cube.ErrCycleAlreadyClosed, c.CurrentCycle)
		} else if !errors.Is(err, cube.ErrWinnerNotFound) {
			return fmt.Errorf("failed to check existing winner: %w", err)
		}

		roster, err := e.members.ListMembers(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("failed to list members: %w", err)
		}
		if awaiting := awaitingUserIDs(roster); len(awaiting) > 0 {
			outcome = &CycleOutcome{Kind: OutcomeSkippedNotReady, CubeID: c.ID, CycleNumber: c.CurrentCycle, Cube: c, Awaiting: awaiting}
			return nil
		}

		history, err := e.winners.ListWinners(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("failed to list winners: %w", err)
		}
		eligible := eligibleUserIDs(roster, history)

		cycle := c.CurrentCycle
		if len(eligible) == 0 {
			// Every member already won; a previous run must have stopped before completion.
			c.Complete(now)
			if err := e.cubes.Update(ctx, c); err != nil {
				return fmt.Errorf("failed to complete cube: %w", err)
			}
			outcome = &CycleOutcome{Kind: OutcomeCompleted, CubeID: c.ID, CycleNumber: cycle, Cube: c}
			return nil
		}

		winnerUserID, err := e.selector.Select(eligible)
		if err != nil {
			return fmt.Errorf("failed to select winner: %w", err)
		}
		winner := &cube.CycleWinner{
			ID:           uuid.New(),
			CubeID:       c.ID,
			CycleNumber:  cycle,
			UserID:       winnerUserID,
			PayoutAmount: c.PayoutAmount(),
			SelectedAt:   now,
			PayoutSent:   false,
		}
		if err := e.winners.CreateWinner(ctx, winner); err != nil {
			return fmt.Errorf("failed to record winner: %w", err)
		}
		if err := e.members.MarkPayoutReceived(ctx, c.ID, winnerUserID); err != nil {
			return fmt.Errorf("failed to flag winner: %w", err)
		}

		history, err = e.winners.ListWinners(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("failed to list winners: %w", err)
		}
		if distinctWinners(history) >= c.NumberOfMembers {
			c.Complete(now)
			if err := e.cubes.Update(ctx, c); err != nil {
				return fmt.Errorf("failed to complete cube: %w", err)
			}
			outcome = &CycleOutcome{Kind: OutcomeCompleted, CubeID: c.ID, CycleNumber: cycle, Winner: winner, Cube: c}
			return nil
		}

		c.CurrentCycle++
		c.NextPayoutDate = c.PayoutDateForCycle(e.cycleUnit, c.CurrentCycle)
		if err := e.members.ResetPaymentStatus(ctx, c.ID); err != nil {
			return fmt.Errorf("failed to reset payment statuses: %w", err)
		}
		if err := e.cubes.Update(ctx, c); err != nil {
			return fmt.Errorf("failed to advance cube: %w", err)
		}
		outcome = &CycleOutcome{Kind: OutcomeWinnerSelected, CubeID: c.ID, CycleNumber: cycle, Winner: winner, Cube: c}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx = logCtx.WithFields(logrus.Fields{"cycle": outcome.CycleNumber, "outcome": outcome.Kind})
	if outcome.Kind == OutcomeSkippedNotReady {
		logCtx.WithField("awaiting", len(outcome.Awaiting)).Debug("Cycle not ready, members still paying")
		return outcome, nil
	}
	if outcome.Winner != nil {
		logCtx.WithFields(logrus.Fields{
			"winner_user_id": outcome.Winner.UserID,
			"payout_amount":  outcome.Winner.PayoutAmount.String(),
		}).Info("Cycle winner selected")
		// The winner is fixed; payout failures are recorded on it and retried later.
		if err := e.payouts.Dispatch(ctx, outcome.Winner); err != nil {
			logCtx.WithError(err).Error("Payout dispatch failed, left for retry")
		}
	}
	if outcome.Kind == OutcomeCompleted {
		logCtx.Info("Cube rotation completed")
	}
	return outcome, nil
}

// RecordMemberPayment stores a member's contribution for the current cycle and
// reports whether the cube is now fully staffed and fully paid.
func (e *CycleEngine) RecordMemberPayment(ctx context.Context, cubeID uuid.UUID, userID int64, cycleNumber int) (bool, error) {
	logCtx := e.logger.WithFields(logrus.Fields{"cube_id": cubeID, "user_id": userID, "cycle": cycleNumber})

	var ready bool
	err := e.txManager.RunInTx(ctx, func(ctx context.Context) error {
		c, err := e.cubes.GetByIDForUpdate(ctx, cubeID)
		if err != nil {
			return err
		}
		if c.Status == cube.StatusCompleted || c.Status == cube.StatusCancelled {
			return fmt.Errorf("%w: status is %s", cube.ErrCubeClosed, c.Status)
		}
		if cycleNumber != c.CurrentCycle {
			return fmt.Errorf("%w: current cycle is %d, got %d", cube.ErrWrongCycle, c.CurrentCycle, cycleNumber)
		}
		if _, err := e.members.GetMember(ctx, c.ID, userID); err != nil {
			return err
		}

		contribution := &cube.Contribution{
			ID:          uuid.New(),
			CubeID:      c.ID,
			CycleNumber: cycleNumber,
			UserID:      userID,
			Amount:      c.AmountPerCycle,
			PaidAt:      e.now(),
		}
		created, err := e.ledger.RecordContribution(ctx, contribution)
		if err != nil {
			return fmt.Errorf("failed to record contribution: %w", err)
		}
		if err := e.members.SetPaymentStatus(ctx, c.ID, userID, cube.PaymentPaid); err != nil {
			return fmt.Errorf("failed to mark member paid: %w", err)
		}
		if created {
			c.TotalAmountCollected = c.TotalAmountCollected.Add(contribution.Amount)
			if err := e.cubes.Update(ctx, c); err != nil {
				return fmt.Errorf("failed to update collected total: %w", err)
			}
		}

		allPaid, err := e.ledger.HasAllMembersPaid(ctx, c.ID, cycleNumber)
		if err != nil {
			return fmt.Errorf("failed to check payments: %w", err)
		}
		count, err := e.members.CountMembers(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("failed to count members: %w", err)
		}
		ready = allPaid && count == c.NumberOfMembers
		return nil
	})
	if err != nil {
		logCtx.WithError(err).Warn("Payment not recorded")
		return false, err
	}

	logCtx.WithField("all_paid", ready).Info("Member payment recorded")
	if ready && e.notifier != nil {
		if err := e.notifier.NotifyIfReady(ctx, cubeID); err != nil {
			logCtx.WithError(err).Error("Readiness notification failed")
		}
	}
	return ready, nil
}

// CycleStatusView is a read projection of a cube's current cycle.
type CycleStatusView struct {
	Cube            *cube.Cube
	MemberCount     int
	PaidCount       int
	AwaitingUserIDs []int64
	Ready           bool
	Winners         []*cube.CycleWinner
	EligibleUserIDs []int64
}

// WaitingSummary renders the readiness state, e.g. "waiting on 2 of 5 members to pay".
func (v *CycleStatusView) WaitingSummary() string {
	if v.MemberCount < v.Cube.NumberOfMembers {
		return fmt.Sprintf("waiting on %d of %d members to join", v.Cube.NumberOfMembers-v.MemberCount, v.Cube.NumberOfMembers)
	}
	if len(v.AwaitingUserIDs) > 0 {
		return fmt.Sprintf("waiting on %d of %d members to pay", len(v.AwaitingUserIDs), v.MemberCount)
	}
	return "all members have paid"
}

// GetCurrentCycleStatus has no side effects and ignores the timing guard.
func (e *CycleEngine) GetCurrentCycleStatus(ctx context.Context, cubeID uuid.UUID) (*CycleStatusView, error) {
	c, err := e.cubes.GetByID(ctx, cubeID)
	if err != nil {
		return nil, err
	}
	roster, err := e.members.ListMembers(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	history, err := e.winners.ListWinners(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list winners: %w", err)
	}

	awaiting := awaitingUserIDs(roster)
	return &CycleStatusView{
		Cube:            c,
		MemberCount:     len(roster),
		PaidCount:       len(roster) - len(awaiting),
		AwaitingUserIDs: awaiting,
		Ready:           len(roster) == c.NumberOfMembers && len(awaiting) == 0,
		Winners:         history,
		EligibleUserIDs: eligibleUserIDs(roster, history),
	}, nil
}

// MemberPayment is one row of a CyclePaymentView.
type MemberPayment struct {
	UserID int64
	Role   cube.Role
	Paid   bool
	PaidAt time.Time
}

// CyclePaymentView lists ledger payments of one cycle.
type CyclePaymentView struct {
	CubeID      uuid.UUID
	CycleNumber int
	Members     []MemberPayment
	PaidCount   int
	Expected    int
	Winner      *cube.CycleWinner
}

// GetCyclePaymentStatus reads the ledger for any cycle up to the current one.
func (e *CycleEngine) GetCyclePaymentStatus(ctx context.Context, cubeID uuid.UUID, cycleNumber int) (*CyclePaymentView, error) {
	c, err := e.cubes.GetByID(ctx, cubeID)
	if err != nil {
		return nil, err
	}
	if cycleNumber < 1 || cycleNumber > c.CurrentCycle {
		return nil, fmt.Errorf("%w: cycle %d is outside 1..%d", cube.ErrWrongCycle, cycleNumber, c.CurrentCycle)
	}
	roster, err := e.members.ListMembers(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	contributions, err := e.ledger.ListContributions(ctx, c.ID, cycleNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions: %w", err)
	}
	paidAt := make(map[int64]time.Time, len(contributions))
	for _, contribution := range contributions {
		paidAt[contribution.UserID] = contribution.PaidAt
	}

	view := &CyclePaymentView{CubeID: c.ID, CycleNumber: cycleNumber, Expected: c.NumberOfMembers}
	for _, m := range roster {
		at, paid := paidAt[m.UserID]
		view.Members = append(view.Members, MemberPayment{UserID: m.UserID, Role: m.Role, Paid: paid, PaidAt: at})
		if paid {
			view.PaidCount++
		}
	}

	w, err := e.winners.GetWinner(ctx, c.ID, cycleNumber)
	switch {
	case err == nil:
		view.Winner = w
	case !errors.Is(err, cube.ErrWinnerNotFound):
		return nil, fmt.Errorf("failed to get cycle winner: %w", err)
	}
	return view, nil
}

func awaitingUserIDs(roster []*cube.Member) []int64 {
	var awaiting []int64
	for _, m := range roster {
		if !m.HasPaid() {
			awaiting = append(awaiting, m.UserID)
		}
	}
	return awaiting
}

// eligibleUserIDs keeps roster order so deterministic sources give stable picks.
func eligibleUserIDs(roster []*cube.Member, history []*cube.CycleWinner) []int64 {
	won := make(map[int64]struct{}, len(history))
	for _, w := range history {
		won[w.UserID] = struct{}{}
	}
	eligible := make([]int64, 0, len(roster))
	for _, m := range roster {
		if _, ok := won[m.UserID]; !ok {
			eligible = append(eligible, m.UserID)
		}
	}
	return eligible
}

func distinctWinners(history []*cube.CycleWinner) int {
	seen := make(map[int64]struct{}, len(history))
	for _, w := range history {
		seen[w.UserID] = struct{}{}
	}
	return len(seen)
}
