package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cube_rotation_bot/internal/domain/cube"
	"cube_rotation_bot/internal/infra/memory"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userA int64 = 101
	userB int64 = 202
	userC int64 = 303
)

func TestProcessCycleFullRotation(t *testing.T) {
	// Index 0 always picks the first eligible member in roster order.
	f := newFixture(t, fixedSource{idx: 0})
	c := f.startedCube(t, 100, userA, userB, userC)
	start := c.StartDate.Time
	assert.Equal(t, start.Add(testCycleUnit), c.NextPayoutDate.Time)

	// Cycle 1: A wins the full pot.
	f.advanceToPayout(t, c.ID)
	outcome, err := f.engine.ProcessCycle(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWinnerSelected, outcome.Kind)
	assert.Equal(t, 1, outcome.CycleNumber)
	assert.Equal(t, userA, outcome.Winner.UserID)
	assert.True(t, outcome.Winner.PayoutAmount.Equal(decimal.NewFromInt(300)), outcome.Winner.PayoutAmount.String())

	c = f.reload(t, c.ID)
	assert.Equal(t, 2, c.CurrentCycle)
	assert.Equal(t, start.Add(2*testCycleUnit), c.NextPayoutDate.Time)
	members, err := f.store.ListMembers(f.ctx, c.ID)
	require.NoError(t, err)
	for _, m := range members {
		assert.Equal(t, cube.PaymentAwaiting, m.PaymentStatus, "user %d", m.UserID)
		assert.Equal(t, m.UserID == userA, m.HasReceivedPayout, "user %d", m.UserID)
	}

	// Cycle 2: A is excluded, so index 0 now lands on B.
	f.payAll(t, c.ID, 2, userA, userB, userC)
	f.advanceToPayout(t, c.ID)
	outcome, err = f.engine.ProcessCycle(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWinnerSelected, outcome.Kind)
	assert.Equal(t, userB, outcome.Winner.UserID)
	assert.Equal(t, 3, f.reload(t, c.ID).CurrentCycle)

	// Cycle 3: C is the only one left and the cube completes.
	f.payAll(t, c.ID, 3, userA, userB, userC)
	f.advanceToPayout(t, c.ID)
	outcome, err = f.engine.ProcessCycle(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.Equal(t, userC, outcome.Winner.UserID)

	c = f.reload(t, c.ID)
	assert.Equal(t, cube.StatusCompleted, c.Status)
	assert.Equal(t, 3, c.CurrentCycle, "completion does not increment the cycle")
	assert.False(t, c.NextPayoutDate.Valid)
	assert.True(t, c.EndDate.Valid)
	assert.True(t, c.TotalAmountCollected.Equal(decimal.NewFromInt(900)))

	winners, err := f.store.ListWinners(f.ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, winners, 3)
	seen := map[int64]bool{}
	for i, w := range winners {
		assert.Equal(t, i+1, w.CycleNumber)
		assert.False(t, seen[w.UserID], "user %d won twice", w.UserID)
		seen[w.UserID] = true
		assert.True(t, w.PayoutSent)
		assert.True(t, w.PayoutReference.Valid)
	}
	assert.Equal(t, 3, f.store.TransferCount())
	assert.Contains(t, strings.Join(f.telegram.messagesTo(userC), "\n"), "You won cycle 3")
}

func TestProcessCycleRandomRotationHasDistinctWinners(t *testing.T) {
	users := []int64{1, 2, 3, 4, 5, 6}
	f := newFixture(t, nil)
	c := f.startedCube(t, 50, users...)

	for cycle := 1; cycle <= len(users); cycle++ {
		if cycle > 1 {
			f.payAll(t, c.ID, cycle, users...)
		}
		f.advanceToPayout(t, c.ID)
		outcome, err := f.engine.ProcessCycle(f.ctx, c.ID)
		require.NoError(t, err)
		if cycle < len(users) {
			require.Equal(t, OutcomeWinnerSelected, outcome.Kind)
		} else {
			require.Equal(t, OutcomeCompleted, outcome.Kind)
		}
	}

	winners, err := f.store.ListWinners(f.ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, winners, len(users))
	seen := map[int64]bool{}
	for _, w := range winners {
		seen[w.UserID] = true
	}
	assert.Len(t, seen, len(users))
	assert.Equal(t, cube.StatusCompleted, f.reload(t, c.ID).Status)
}

func TestProcessCycleSkipsWhenNotReady(t *testing.T) {
	f := newFixture(t, fixedSource{idx: 0})
	c := f.startedCube(t, 100, userA, userB, userC)
	f.advanceToPayout(t, c.ID)
	_, err := f.engine.ProcessCycle(f.ctx, c.ID)
	require.NoError(t, err)

	// Only A pays cycle 2.
	f.payAll(t, c.ID, 2, userA)
	f.advanceToPayout(t, c.ID)
	before := f.reload(t, c.ID)
	membersBefore, err := f.store.ListMembers(f.ctx, c.ID)
	require.NoError(t, err)

	outcome, err := f.engine.ProcessCycle(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedNotReady, outcome.Kind)
	assert.ElementsMatch(t, []int64{userB, userC}, outcome.Awaiting)
	assert.Nil(t, outcome.Winner)

	assert.Equal(t, before, f.reload(t, c.ID))
	membersAfter, err := f.store.ListMembers(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, membersBefore, membersAfter)
	winners, err := f.store.ListWinners(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, winners, 1)
}

func TestProcessCycleRejectsSecondRunForSameCycle(t *testing.T) {
	f := newFixture(t, fixedSource{idx: 0})
	c := f.startedCube(t, 100, userA, userB, userC)
	f.advanceToPayout(t, c.ID)

	_, err := f.engine.ProcessCycle(f.ctx, c.ID)
	require.NoError(t, err)

	// Straight repeat: the cube already moved on to cycle 2 which is not due.
	_, err = f.engine.ProcessCycle(f.ctx, c.ID)
	assert.ErrorIs(t, err, cube.ErrCycleNotDue)

	winners, err := f.store.ListWinners(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, winners, 1)
}

func TestProcessCycleRejectsClosedCycle(t *testing.T) {
	f := newFixture(t, fixedSource{idx: 0})
	c := f.startedCube(t, 100, userA, userB, userC)
	f.advanceToPayout(t, c.ID)

	// A winner already exists for the current cycle, e.g. written by another instance.
	require.NoError(t, f.store.CreateWinner(f.ctx, &cube.CycleWinner{
		ID: uuid.New(), CubeID: c.ID, CycleNumber: 1, UserID: userB, PayoutAmount: c.PayoutAmount(), SelectedAt: f.now,
	}))

	_, err := f.engine.ProcessCycle(f.ctx, c.ID)
	require.ErrorIs(t, err, cube.ErrCycleAlreadyClosed)

	winners, err := f.store.ListWinners(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, winners, 1)
	assert.Equal(t, 1, f.reload(t, c.ID).CurrentCycle)
}

func TestProcessCycleGuards(t *testing.T) {
	t.Run("unknown cube", func(t *testing.T) {
		f := newFixture(t, fixedSource{})
		_, err := f.engine.ProcessCycle(f.ctx, uuid.New())
		assert.ErrorIs(t, err, cube.ErrCubeNotFound)
	})

	t.Run("not yet due", func(t *testing.T) {
		f := newFixture(t, fixedSource{})
		c := f.startedCube(t, 100, userA, userB)
		_, err := f.engine.ProcessCycle(f.ctx, c.ID)
		assert.ErrorIs(t, err, cube.ErrCycleNotDue)
	})

	t.Run("draft cube", func(t *testing.T) {
		f := newFixture(t, fixedSource{})
		c, _ := f.seedCube(t, 100, userA, userB)
		_, err := f.engine.ProcessCycle(f.ctx, c.ID)
		assert.ErrorIs(t, err, cube.ErrCubeNotActive)
	})

	t.Run("completed cube", func(t *testing.T) {
		f := newFixture(t, fixedSource{})
		c := f.startedCube(t, 100, userA, userB)
		f.advanceToPayout(t, c.ID)
		_, err := f.engine.ProcessCycle(f.ctx, c.ID)
		require.NoError(t, err)
		f.payAll(t, c.ID, 2, userA, userB)
		f.advanceToPayout(t, c.ID)
		outcome, err := f.engine.ProcessCycle(f.ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, OutcomeCompleted, outcome.Kind)

		_, err = f.engine.ProcessCycle(f.ctx, c.ID)
		assert.ErrorIs(t, err, cube.ErrCubeNotActive)
	})
}

func TestProcessCycleCompletesWhenEveryoneAlreadyWon(t *testing.T) {
	f := newFixture(t, fixedSource{})
	c := f.startedCube(t, 100, userA, userB)
	f.advanceToPayout(t, c.ID)

	// Both members won earlier cycles and the cycle pointer moved past them,
	// but the cube never reached completed.
	for i, u := range []int64{userA, userB} {
		require.NoError(t, f.store.CreateWinner(f.ctx, &cube.CycleWinner{
			ID: uuid.New(), CubeID: c.ID, CycleNumber: i + 1, UserID: u, SelectedAt: f.now,
		}))
	}
	c = f.reload(t, c.ID)
	c.CurrentCycle = 3
	require.NoError(t, f.store.Update(f.ctx, c))

	outcome, err := f.engine.ProcessCycle(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.Nil(t, outcome.Winner)

	c = f.reload(t, c.ID)
	assert.Equal(t, cube.StatusCompleted, c.Status)
	assert.False(t, c.NextPayoutDate.Valid)
	assert.True(t, c.EndDate.Valid)
}

// failingReset breaks the last write of a cycle close.
type failingReset struct {
	*memory.Store
}

func (failingReset) ResetPaymentStatus(context.Context, uuid.UUID) error {
	return errors.New("connection reset")
}

func TestProcessCycleIsAtomic(t *testing.T) {
	f := newFixture(t, fixedSource{idx: 0})
	c := f.startedCube(t, 100, userA, userB, userC)
	f.advanceToPayout(t, c.ID)

	broken := failingReset{f.store}
	engine := NewCycleEngine(f.store, broken, f.store, f.store, f.store, NewWinnerSelector(fixedSource{}), f.payouts, nil, testCycleUnit, f.engine.logger)
	engine.SetClock(func() time.Time { return f.now })

	_, err := engine.ProcessCycle(f.ctx, c.ID)
	require.Error(t, err)

	winners, err := f.store.ListWinners(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, winners, "winner insert must roll back with the failed cycle close")
	assert.Equal(t, 1, f.reload(t, c.ID).CurrentCycle)
	m, err := f.store.GetMember(f.ctx, c.ID, userA)
	require.NoError(t, err)
	assert.False(t, m.HasReceivedPayout)
	assert.Equal(t, cube.PaymentPaid, m.PaymentStatus)
	assert.Equal(t, 0, f.sender.calls, "no payout before the cycle close commits")

	// The intact engine can still close the same cycle afterwards.
	outcome, err := f.engine.ProcessCycle(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWinnerSelected, outcome.Kind)
}

func TestProcessCyclePayoutFailureKeepsWinner(t *testing.T) {
	f := newFixture(t, fixedSource{idx: 2})
	c := f.startedCube(t, 100, userA, userB, userC)
	f.advanceToPayout(t, c.ID)
	f.sender.fail = true

	outcome, err := f.engine.ProcessCycle(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWinnerSelected, outcome.Kind)
	assert.Equal(t, userC, outcome.Winner.UserID)

	w, err := f.store.GetWinner(f.ctx, c.ID, 1)
	require.NoError(t, err)
	assert.False(t, w.PayoutSent)
	assert.Equal(t, 1, w.PayoutAttempts)
	assert.Equal(t, "provider timeout", w.LastPayoutError.String)
	assert.Equal(t, 2, f.reload(t, c.ID).CurrentCycle)

	f.sender.fail = false
	sent, failed, err := f.payouts.RetryPending(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, failed)

	w, err = f.store.GetWinner(f.ctx, c.ID, 1)
	require.NoError(t, err)
	assert.True(t, w.PayoutSent)
	assert.Equal(t, userC, w.UserID, "retry never re-selects")
	assert.Equal(t, 1, f.store.TransferCount())
}

func TestStartCubePreconditions(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture, c *cube.Cube, admin *cube.Member) (memberID uuid.UUID, userID int64)
		wantIs  error
		wantMsg string
	}{
		{
			name: "not full",
			prepare: func(t *testing.T, f *fixture, c *cube.Cube, admin *cube.Member) (uuid.UUID, int64) {
				c.NumberOfMembers = 4
				require.NoError(t, f.store.Update(f.ctx, c))
				f.payAll(t, c.ID, 1, userA, userB, userC)
				return admin.ID, admin.UserID
			},
			wantIs:  cube.ErrCubeNotFull,
			wantMsg: "3 of 4 members joined",
		},
		{
			name: "not all paid",
			prepare: func(t *testing.T, f *fixture, c *cube.Cube, admin *cube.Member) (uuid.UUID, int64) {
				f.payAll(t, c.ID, 1, userA)
				return admin.ID, admin.UserID
			},
			wantIs:  cube.ErrNotAllPaid,
			wantMsg: "waiting on 2 of 3 members to pay",
		},
		{
			name: "not admin",
			prepare: func(t *testing.T, f *fixture, c *cube.Cube, _ *cube.Member) (uuid.UUID, int64) {
				f.payAll(t, c.ID, 1, userA, userB, userC)
				m, err := f.store.GetMember(f.ctx, c.ID, userB)
				require.NoError(t, err)
				return m.ID, userB
			},
			wantIs: cube.ErrNotAdmin,
		},
		{
			name: "member does not match user",
			prepare: func(t *testing.T, f *fixture, c *cube.Cube, admin *cube.Member) (uuid.UUID, int64) {
				return admin.ID, userB
			},
			wantIs: cube.ErrMemberMismatch,
		},
		{
			name: "unknown member",
			prepare: func(t *testing.T, f *fixture, c *cube.Cube, _ *cube.Member) (uuid.UUID, int64) {
				return uuid.New(), userA
			},
			wantIs: cube.ErrMemberNotFound,
		},
		{
			name: "not the first cycle",
			prepare: func(t *testing.T, f *fixture, c *cube.Cube, admin *cube.Member) (uuid.UUID, int64) {
				c.CurrentCycle = 2
				require.NoError(t, f.store.Update(f.ctx, c))
				return admin.ID, admin.UserID
			},
			wantIs: cube.ErrNotFirstCycle,
		},
		{
			name: "already active",
			prepare: func(t *testing.T, f *fixture, c *cube.Cube, admin *cube.Member) (uuid.UUID, int64) {
				c.Status = cube.StatusActive
				require.NoError(t, f.store.Update(f.ctx, c))
				return admin.ID, admin.UserID
			},
			wantIs: cube.ErrCubeNotDraft,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, fixedSource{})
			c, admin := f.seedCube(t, 100, userA, userB, userC)
			memberID, userID := tc.prepare(t, f, f.reload(t, c.ID), admin)

			_, err := f.engine.StartCube(f.ctx, c.ID, memberID, userID)
			require.ErrorIs(t, err, tc.wantIs)
			if tc.wantMsg != "" {
				assert.Contains(t, err.Error(), tc.wantMsg)
			}
		})
	}
}

func TestStartCubeActivates(t *testing.T) {
	f := newFixture(t, fixedSource{})
	c, admin := f.seedCube(t, 100, userA, userB)
	ready := f.payAll(t, c.ID, 1, userA, userB)
	assert.True(t, ready)
	assert.NotEmpty(t, f.telegram.messagesTo(userA), "admin is told the cube can start")
	assert.Empty(t, f.telegram.messagesTo(userB))

	started, err := f.engine.StartCube(f.ctx, c.ID, admin.ID, userA)
	require.NoError(t, err)
	assert.Equal(t, cube.StatusActive, started.Status)
	assert.Equal(t, f.now, started.StartDate.Time)
	assert.Equal(t, f.now.Add(testCycleUnit), started.NextPayoutDate.Time)
}

func TestRecordMemberPayment(t *testing.T) {
	f := newFixture(t, fixedSource{})
	c, _ := f.seedCube(t, 100, userA, userB)

	ready, err := f.engine.RecordMemberPayment(f.ctx, c.ID, userA, 1)
	require.NoError(t, err)
	assert.False(t, ready)

	// Replays do not double count.
	_, err = f.engine.RecordMemberPayment(f.ctx, c.ID, userA, 1)
	require.NoError(t, err)
	assert.True(t, f.reload(t, c.ID).TotalAmountCollected.Equal(decimal.NewFromInt(100)))

	_, err = f.engine.RecordMemberPayment(f.ctx, c.ID, userB, 2)
	assert.ErrorIs(t, err, cube.ErrWrongCycle)

	_, err = f.engine.RecordMemberPayment(f.ctx, c.ID, 999, 1)
	assert.ErrorIs(t, err, cube.ErrMemberNotFound)

	ready, err = f.engine.RecordMemberPayment(f.ctx, c.ID, userB, 1)
	require.NoError(t, err)
	assert.True(t, ready)

	m, err := f.store.GetMember(f.ctx, c.ID, userB)
	require.NoError(t, err)
	assert.Equal(t, cube.PaymentPaid, m.PaymentStatus)
}

func TestCycleStatusViews(t *testing.T) {
	f := newFixture(t, fixedSource{idx: 0})
	c := f.startedCube(t, 100, userA, userB, userC)
	f.advanceToPayout(t, c.ID)
	_, err := f.engine.ProcessCycle(f.ctx, c.ID)
	require.NoError(t, err)
	f.payAll(t, c.ID, 2, userB)

	status, err := f.engine.GetCurrentCycleStatus(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Cube.CurrentCycle)
	assert.Equal(t, 3, status.MemberCount)
	assert.Equal(t, 1, status.PaidCount)
	assert.False(t, status.Ready)
	assert.Equal(t, []int64{userB, userC}, status.EligibleUserIDs)
	assert.Equal(t, "waiting on 2 of 3 members to pay", status.WaitingSummary())
	require.Len(t, status.Winners, 1)

	history, err := f.engine.GetCyclePaymentStatus(f.ctx, c.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, history.PaidCount)
	require.NotNil(t, history.Winner)
	assert.Equal(t, userA, history.Winner.UserID)

	current, err := f.engine.GetCyclePaymentStatus(f.ctx, c.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, current.PaidCount)
	assert.Nil(t, current.Winner)

	_, err = f.engine.GetCyclePaymentStatus(f.ctx, c.ID, 3)
	assert.ErrorIs(t, err, cube.ErrWrongCycle)
}
