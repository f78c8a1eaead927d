package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"cube_rotation_bot/internal/domain/cube"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *Store, users ...int64) *cube.Cube {
	t.Helper()
	ctx := context.Background()
	c := &cube.Cube{Name: "test", Status: cube.StatusDraft, CurrentCycle: 1, NumberOfMembers: len(users), AmountPerCycle: decimal.NewFromInt(10)}
	require.NoError(t, s.Create(ctx, c))
	for _, u := range users {
		require.NoError(t, s.AddMember(ctx, &cube.Member{CubeID: c.ID, UserID: u, Role: cube.RoleMember}))
	}
	return c
}

func TestRunInTxRestoresOnError(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	c := seed(t, s, 1, 2)

	err := s.RunInTx(ctx, func(ctx context.Context) error {
		locked, err := s.GetByIDForUpdate(ctx, c.ID)
		require.NoError(t, err)
		locked.Status = cube.StatusActive
		require.NoError(t, s.Update(ctx, locked))
		require.NoError(t, s.AddMember(ctx, &cube.Member{CubeID: c.ID, UserID: 3}))
		return errors.New("abort")
	})
	require.Error(t, err)

	reloaded, err := s.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, cube.StatusDraft, reloaded.Status)
	n, err := s.CountMembers(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunInTxRestoresOnPanic(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	c := seed(t, s, 1)

	assert.Panics(t, func() {
		_ = s.RunInTx(ctx, func(ctx context.Context) error {
			_, _ = s.RecordContribution(ctx, &cube.Contribution{CubeID: c.ID, CycleNumber: 1, UserID: 1})
			panic("boom")
		})
	})
	paid, err := s.CountPaidContributions(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.Zero(t, paid)
}

func TestRunInTxRollbackKeepsWritesMadeOutsideIt(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	a := seed(t, s, 1)
	b := seed(t, s, 2)
	w := &cube.CycleWinner{CubeID: b.ID, CycleNumber: 1, UserID: 2}
	require.NoError(t, s.CreateWinner(ctx, w))

	done := make(chan error, 1)
	err := s.RunInTx(ctx, func(txCtx context.Context) error {
		go func() {
			_, err := s.RecordPayoutTransfer(ctx, &cube.PayoutTransfer{Reference: "po_b", IdempotencyKey: "b:1:2", CubeID: b.ID, CycleNumber: 1, UserID: 2})
			if err == nil {
				err = s.MarkPayoutSent(ctx, w.ID, "po_b")
			}
			done <- err
		}()
		locked, err := s.GetByIDForUpdate(txCtx, a.ID)
		require.NoError(t, err)
		locked.Status = cube.StatusActive
		require.NoError(t, s.Update(txCtx, locked))
		return errors.New("abort")
	})
	require.Error(t, err)
	require.NoError(t, <-done)

	got, err := s.GetWinner(ctx, b.ID, 1)
	require.NoError(t, err)
	assert.True(t, got.PayoutSent)
	assert.Equal(t, 1, s.TransferCount())
	reloaded, err := s.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, cube.StatusDraft, reloaded.Status)
}

func TestRunInTxHidesUncommittedWrites(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	c := seed(t, s, 1)

	require.NoError(t, s.RunInTx(ctx, func(txCtx context.Context) error {
		locked, err := s.GetByIDForUpdate(txCtx, c.ID)
		require.NoError(t, err)
		locked.Status = cube.StatusActive
		require.NoError(t, s.Update(txCtx, locked))

		outside, err := s.GetByID(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, cube.StatusDraft, outside.Status)
		inside, err := s.GetByID(txCtx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, cube.StatusActive, inside.Status)
		return nil
	}))

	committed, err := s.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, cube.StatusActive, committed.Status)
}

func TestContributionsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	c := seed(t, s, 1, 2)

	created, err := s.RecordContribution(ctx, &cube.Contribution{CubeID: c.ID, CycleNumber: 1, UserID: 1, Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.True(t, created)

	replay := &cube.Contribution{CubeID: c.ID, CycleNumber: 1, UserID: 1, Amount: decimal.NewFromInt(99)}
	created, err = s.RecordContribution(ctx, replay)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, replay.Amount.Equal(decimal.NewFromInt(10)), "replay returns the stored row")

	allPaid, err := s.HasAllMembersPaid(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.False(t, allPaid)

	_, err = s.RecordContribution(ctx, &cube.Contribution{CubeID: c.ID, CycleNumber: 1, UserID: 2})
	require.NoError(t, err)
	allPaid, err = s.HasAllMembersPaid(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.True(t, allPaid)

	allPaid, err = s.HasAllMembersPaid(ctx, uuid.New(), 1)
	require.NoError(t, err)
	assert.False(t, allPaid, "an empty roster is never fully paid")
}

func TestWinnerUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	c := seed(t, s, 1, 2, 3)

	require.NoError(t, s.CreateWinner(ctx, &cube.CycleWinner{CubeID: c.ID, CycleNumber: 1, UserID: 1}))
	assert.ErrorIs(t, s.CreateWinner(ctx, &cube.CycleWinner{CubeID: c.ID, CycleNumber: 1, UserID: 2}), cube.ErrDuplicateWinner)
	assert.ErrorIs(t, s.CreateWinner(ctx, &cube.CycleWinner{CubeID: c.ID, CycleNumber: 2, UserID: 1}), cube.ErrDuplicateWinner)
	require.NoError(t, s.CreateWinner(ctx, &cube.CycleWinner{CubeID: c.ID, CycleNumber: 2, UserID: 2}))

	winners, err := s.ListWinners(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, winners, 2)
	assert.Equal(t, 1, winners[0].CycleNumber)
}

func TestPendingPayouts(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	c := seed(t, s, 1, 2)
	w := &cube.CycleWinner{CubeID: c.ID, CycleNumber: 1, UserID: 1}
	require.NoError(t, s.CreateWinner(ctx, w))

	require.NoError(t, s.RecordPayoutFailure(ctx, w.ID, "timeout"))
	pending, err := s.ListPendingPayouts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "timeout", pending[0].LastPayoutError.String)

	require.NoError(t, s.RecordPayoutFailure(ctx, w.ID, "timeout"))
	pending, err = s.ListPendingPayouts(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, pending, "attempts exhausted")

	require.NoError(t, s.MarkPayoutSent(ctx, w.ID, "po_1"))
	got, err := s.GetWinner(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.True(t, got.PayoutSent)
	assert.False(t, got.LastPayoutError.Valid)
}

func TestClaims(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore()
	s.SetClock(func() time.Time { return now })
	c := seed(t, s, 1)

	ok, err := s.TryClaim(ctx, c.ID, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.TryClaim(ctx, c.ID, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = s.TryClaim(ctx, c.ID, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired claims can be taken over")

	require.NoError(t, s.ReleaseClaim(ctx, c.ID, "a"), "releasing someone else's claim is a no-op")
	ok, err = s.TryClaim(ctx, c.ID, "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.TryClaim(ctx, uuid.New(), "a", time.Minute)
	assert.ErrorIs(t, err, cube.ErrCubeNotFound)
}

func TestListDue(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{-time.Hour, 0, time.Hour} {
		c := &cube.Cube{Name: "c", Status: cube.StatusActive, CurrentCycle: 1, NumberOfMembers: 2}
		c.NextPayoutDate.Time, c.NextPayoutDate.Valid = now.Add(offset), true
		if i == 0 {
			c.Status = cube.StatusCancelled
		}
		require.NoError(t, s.Create(ctx, c))
	}
	due, err := s.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, due[0].NextPayoutDate.Time.Equal(now))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.ListDue(cancelled, now)
	assert.ErrorIs(t, err, context.Canceled)
}
