package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cube_rotation_bot/internal/domain/cube"
	"cube_rotation_bot/internal/infra/logger"
	"cube_rotation_bot/internal/infra/memory"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gopkg.in/telebot.v3"
)

const testAdminID int64 = 1

type sentMessage struct {
	to   int64
	text string
}

// fakeTelegram records outgoing messages.
type fakeTelegram struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeTelegram) SendMessage(to int64, text string, _ *telebot.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{to: to, text: text})
	return nil
}

func (f *fakeTelegram) messagesTo(userID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.to == userID {
			out = append(out, m.text)
		}
	}
	return out
}

// switchableSender fails until fail is cleared, then delegates.
type switchableSender struct {
	next  cube.PayoutSender
	fail  bool
	calls int
}

func (s *switchableSender) SendPayout(ctx context.Context, userID int64, amount decimal.Decimal, cubeID uuid.UUID, cycle int) (string, error) {
	s.calls++
	if s.fail {
		return "", errors.New("provider timeout")
	}
	return s.next.SendPayout(ctx, userID, amount, cubeID, cycle)
}

type fixture struct {
	ctx      context.Context
	store    *memory.Store
	engine   *CycleEngine
	admin    *AdminService
	payouts  *PayoutService
	sender   *switchableSender
	notifier *TelegramReadinessNotifier
	telegram *fakeTelegram
	now      time.Time
}

const testCycleUnit = 24 * time.Hour

func newFixture(t *testing.T, source RandomSource) *fixture {
	t.Helper()
	f := &fixture{
		ctx:      context.Background(),
		store:    memory.NewStore(),
		telegram: &fakeTelegram{},
		now:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(func() time.Time { return f.now })
	log := logger.Discard()

	f.notifier = NewTelegramReadinessNotifier(f.store, f.store, f.store, f.telegram, true, 48*time.Hour, log)
	f.sender = &switchableSender{next: NewLedgerPayoutSender(f.store, f.telegram, log)}
	f.payouts = NewPayoutService(f.store, f.sender, time.Second, 3, nil, log)
	f.engine = NewCycleEngine(f.store, f.store, f.store, f.store, f.store, NewWinnerSelector(source), f.payouts, f.notifier, testCycleUnit, log)
	f.engine.SetClock(func() time.Time { return f.now })
	f.admin = NewAdminService(f.store, f.store, f.store, f.notifier, testAdminID, log)
	return f
}

// seedCube creates a draft cube; the first user is its admin.
func (f *fixture) seedCube(t *testing.T, amount int64, users ...int64) (*cube.Cube, *cube.Member) {
	t.Helper()
	c, err := f.admin.CreateCube(f.ctx, testAdminID, "family", len(users), decimal.NewFromInt(amount))
	require.NoError(t, err)

	var adminMember *cube.Member
	for i, u := range users {
		role := cube.RoleMember
		if i == 0 {
			role = cube.RoleAdmin
		}
		m, err := f.admin.AddMember(f.ctx, testAdminID, c.ID, u, role)
		require.NoError(t, err)
		if i == 0 {
			adminMember = m
		}
	}
	return c, adminMember
}

func (f *fixture) payAll(t *testing.T, cubeID uuid.UUID, cycle int, users ...int64) bool {
	t.Helper()
	var ready bool
	for _, u := range users {
		var err error
		ready, err = f.engine.RecordMemberPayment(f.ctx, cubeID, u, cycle)
		require.NoError(t, err)
	}
	return ready
}

// startedCube returns an active cube whose first cycle is fully paid.
func (f *fixture) startedCube(t *testing.T, amount int64, users ...int64) *cube.Cube {
	t.Helper()
	c, adminMember := f.seedCube(t, amount, users...)
	f.payAll(t, c.ID, 1, users...)
	started, err := f.engine.StartCube(f.ctx, c.ID, adminMember.ID, adminMember.UserID)
	require.NoError(t, err)
	return started
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *cube.Cube {
	t.Helper()
	c, err := f.store.GetByID(f.ctx, id)
	require.NoError(t, err)
	return c
}

// advanceToPayout moves the clock to the cube's next payout date.
func (f *fixture) advanceToPayout(t *testing.T, id uuid.UUID) {
	t.Helper()
	c := f.reload(t, id)
	require.True(t, c.NextPayoutDate.Valid)
	f.now = c.NextPayoutDate.Time
}
