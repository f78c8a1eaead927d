// Package memory is an in-process implementation of the cube repositories.
// It backs tests and DATABASE_URL=memory:// development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cube_rotation_bot/internal/domain/cube"

	"github.com/google/uuid"
)

type claim struct {
	holder string
	until  time.Time
}

type state struct {
	cubes         map[uuid.UUID]cube.Cube
	members       map[uuid.UUID]cube.Member
	contributions map[string]cube.Contribution
	winners       map[uuid.UUID]cube.CycleWinner
	transfers     map[string]cube.PayoutTransfer
	claims        map[uuid.UUID]claim
}

func newState() state {
	return state{
		cubes:         make(map[uuid.UUID]cube.Cube),
		members:       make(map[uuid.UUID]cube.Member),
		contributions: make(map[string]cube.Contribution),
		winners:       make(map[uuid.UUID]cube.CycleWinner),
		transfers:     make(map[string]cube.PayoutTransfer),
		claims:        make(map[uuid.UUID]claim),
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.cubes {
		c.cubes[k] = v
	}
	for k, v := range s.members {
		c.members[k] = v
	}
	for k, v := range s.contributions {
		c.contributions[k] = v
	}
	for k, v := range s.winners {
		c.winners[k] = v
	}
	for k, v := range s.transfers {
		c.transfers[k] = v
	}
	for k, v := range s.claims {
		c.claims[k] = v
	}
	return c
}

type txKey struct{}

// tx is the private working copy of one RunInTx call.
type tx struct {
	store *Store
	data  state
}

// Store keeps every aggregate in maps. Values are copied in and out so callers
// never share memory with the store.
//
// Writes outside a transaction take txMu, so they never interleave with an
// open transaction. A transaction works on a copy that replaces the committed
// state only when fn succeeds.
type Store struct {
	mu   sync.RWMutex // guards data and now
	txMu sync.Mutex   // held by RunInTx and by writes outside it
	data state
	now  func() time.Time
}

func NewStore() *Store {
	return &Store{data: newState(), now: time.Now}
}

// SetClock overrides the time source used for lease expiry and timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func contributionKey(cubeID uuid.UUID, cycle int, userID int64) string {
	return fmt.Sprintf("%s:%d:%d", cubeID, cycle, userID)
}

func (s *Store) txFrom(ctx context.Context) *tx {
	if t, ok := ctx.Value(txKey{}).(*tx); ok && t.store == s {
		return t
	}
	return nil
}

// RunInTx runs fn against a copy of the store and commits the copy when fn
// returns nil. Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	t := &tx{store: s, data: s.data.clone()}
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = t.data
	s.mu.Unlock()
	return nil
}

// read runs fn on the transaction's copy or on the committed state.
func (s *Store) read(ctx context.Context, fn func(st state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t := s.txFrom(ctx); t != nil {
		return fn(t.data)
	}
	return fn(s.data)
}

// write is read for mutations. Outside a transaction it waits for any open one.
func (s *Store) write(ctx context.Context, fn func(st state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t := s.txFrom(ctx); t != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fn(t.data)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

// --- Cubes ---

func (s *Store) Create(ctx context.Context, c *cube.Cube) error {
	return s.write(ctx, func(st state) error {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		now := s.now()
		c.CreatedAt, c.UpdatedAt = now, now
		st.cubes[c.ID] = *c
		return nil
	})
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*cube.Cube, error) {
	var out *cube.Cube
	err := s.read(ctx, func(st state) error {
		c, ok := st.cubes[id]
		if !ok {
			return cube.ErrCubeNotFound
		}
		out = &c
		return nil
	})
	return out, err
}

// GetByIDForUpdate needs no row lock: transactions are already serialized.
func (s *Store) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*cube.Cube, error) {
	return s.GetByID(ctx, id)
}

func (s *Store) Update(ctx context.Context, c *cube.Cube) error {
	return s.write(ctx, func(st state) error {
		if _, ok := st.cubes[c.ID]; !ok {
			return cube.ErrCubeNotFound
		}
		c.UpdatedAt = s.now()
		st.cubes[c.ID] = *c
		return nil
	})
}

func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*cube.Cube, error) {
	var due []*cube.Cube
	err := s.read(ctx, func(st state) error {
		for _, c := range st.cubes {
			if c.Status != cube.StatusActive || !c.NextPayoutDate.Valid || c.NextPayoutDate.Time.After(now) {
				continue
			}
			c := c
			due = append(due, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextPayoutDate.Time.Before(due[j].NextPayoutDate.Time) })
	return due, nil
}

func (s *Store) ListByStatus(ctx context.Context, status cube.Status) ([]*cube.Cube, error) {
	var out []*cube.Cube
	err := s.read(ctx, func(st state) error {
		for _, c := range st.cubes {
			if c.Status == status {
				c := c
				out = append(out, &c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// TryClaim takes the processing lease on a cube unless another holder owns an unexpired one.
func (s *Store) TryClaim(ctx context.Context, cubeID uuid.UUID, holder string, ttl time.Duration) (bool, error) {
	var claimed bool
	err := s.write(ctx, func(st state) error {
		if _, ok := st.cubes[cubeID]; !ok {
			return cube.ErrCubeNotFound
		}
		now := s.now()
		if cl, ok := st.claims[cubeID]; ok && cl.holder != holder && now.Before(cl.until) {
			return nil
		}
		st.claims[cubeID] = claim{holder: holder, until: now.Add(ttl)}
		claimed = true
		return nil
	})
	return claimed, err
}

func (s *Store) ReleaseClaim(ctx context.Context, cubeID uuid.UUID, holder string) error {
	return s.write(ctx, func(st state) error {
		if cl, ok := st.claims[cubeID]; ok && cl.holder == holder {
			delete(st.claims, cubeID)
		}
		return nil
	})
}

// --- Members ---

func (s *Store) AddMember(ctx context.Context, m *cube.Member) error {
	return s.write(ctx, func(st state) error {
		for _, existing := range st.members {
			if existing.CubeID == m.CubeID && existing.UserID == m.UserID {
				return cube.ErrDuplicateMember
			}
		}
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		if m.PaymentStatus == "" {
			m.PaymentStatus = cube.PaymentAwaiting
		}
		now := s.now()
		m.JoinedAt, m.UpdatedAt = now, now
		st.members[m.ID] = *m
		return nil
	})
}

func (s *Store) GetMember(ctx context.Context, cubeID uuid.UUID, userID int64) (*cube.Member, error) {
	var out *cube.Member
	err := s.read(ctx, func(st state) error {
		for _, m := range st.members {
			if m.CubeID == cubeID && m.UserID == userID {
				m := m
				out = &m
				return nil
			}
		}
		return cube.ErrMemberNotFound
	})
	return out, err
}

func (s *Store) GetMemberByID(ctx context.Context, memberID uuid.UUID) (*cube.Member, error) {
	var out *cube.Member
	err := s.read(ctx, func(st state) error {
		m, ok := st.members[memberID]
		if !ok {
			return cube.ErrMemberNotFound
		}
		out = &m
		return nil
	})
	return out, err
}

func (s *Store) ListMembers(ctx context.Context, cubeID uuid.UUID) ([]*cube.Member, error) {
	var out []*cube.Member
	err := s.read(ctx, func(st state) error {
		out = st.membersOf(cubeID)
		return nil
	})
	return out, err
}

func (st state) membersOf(cubeID uuid.UUID) []*cube.Member {
	members := make([]*cube.Member, 0)
	for _, m := range st.members {
		if m.CubeID == cubeID {
			m := m
			members = append(members, &m)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members
}

func (s *Store) CountMembers(ctx context.Context, cubeID uuid.UUID) (int, error) {
	members, err := s.ListMembers(ctx, cubeID)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

func (s *Store) SetPaymentStatus(ctx context.Context, cubeID uuid.UUID, userID int64, status cube.PaymentStatus) error {
	return s.updateMember(ctx, cubeID, userID, func(m *cube.Member) { m.PaymentStatus = status })
}

func (s *Store) MarkPayoutReceived(ctx context.Context, cubeID uuid.UUID, userID int64) error {
	return s.updateMember(ctx, cubeID, userID, func(m *cube.Member) { m.HasReceivedPayout = true })
}

func (s *Store) updateMember(ctx context.Context, cubeID uuid.UUID, userID int64, mutate func(*cube.Member)) error {
	return s.write(ctx, func(st state) error {
		for id, m := range st.members {
			if m.CubeID == cubeID && m.UserID == userID {
				mutate(&m)
				m.UpdatedAt = s.now()
				st.members[id] = m
				return nil
			}
		}
		return cube.ErrMemberNotFound
	})
}

func (s *Store) ResetPaymentStatus(ctx context.Context, cubeID uuid.UUID) error {
	return s.write(ctx, func(st state) error {
		now := s.now()
		for id, m := range st.members {
			if m.CubeID == cubeID {
				m.PaymentStatus = cube.PaymentAwaiting
				m.UpdatedAt = now
				st.members[id] = m
			}
		}
		return nil
	})
}

// --- Payment ledger ---

func (s *Store) RecordContribution(ctx context.Context, c *cube.Contribution) (bool, error) {
	var created bool
	err := s.write(ctx, func(st state) error {
		key := contributionKey(c.CubeID, c.CycleNumber, c.UserID)
		if existing, ok := st.contributions[key]; ok {
			*c = existing
			return nil
		}
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.PaidAt.IsZero() {
			c.PaidAt = s.now()
		}
		st.contributions[key] = *c
		created = true
		return nil
	})
	return created, err
}

func (s *Store) HasAllMembersPaid(ctx context.Context, cubeID uuid.UUID, cycleNumber int) (bool, error) {
	var allPaid bool
	err := s.read(ctx, func(st state) error {
		members := st.membersOf(cubeID)
		if len(members) == 0 {
			return nil
		}
		for _, m := range members {
			if _, ok := st.contributions[contributionKey(cubeID, cycleNumber, m.UserID)]; !ok {
				return nil
			}
		}
		allPaid = true
		return nil
	})
	return allPaid, err
}

func (s *Store) CountPaidContributions(ctx context.Context, cubeID uuid.UUID, cycleNumber int) (int, error) {
	contributions, err := s.ListContributions(ctx, cubeID, cycleNumber)
	if err != nil {
		return 0, err
	}
	return len(contributions), nil
}

func (s *Store) ListContributions(ctx context.Context, cubeID uuid.UUID, cycleNumber int) ([]*cube.Contribution, error) {
	out := make([]*cube.Contribution, 0)
	err := s.read(ctx, func(st state) error {
		for _, c := range st.contributions {
			if c.CubeID == cubeID && c.CycleNumber == cycleNumber {
				c := c
				out = append(out, &c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) RecordPayoutTransfer(ctx context.Context, t *cube.PayoutTransfer) (*cube.PayoutTransfer, error) {
	var out *cube.PayoutTransfer
	err := s.write(ctx, func(st state) error {
		if existing, ok := st.transfers[t.IdempotencyKey]; ok {
			out = &existing
			return nil
		}
		stored := *t
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = s.now()
		}
		st.transfers[t.IdempotencyKey] = stored
		out = &stored
		return nil
	})
	return out, err
}

// TransferCount is used by tests to assert payouts were not duplicated.
func (s *Store) TransferCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.transfers)
}

// --- Winners ---

func (s *Store) CreateWinner(ctx context.Context, w *cube.CycleWinner) error {
	return s.write(ctx, func(st state) error {
		for _, existing := range st.winners {
			if existing.CubeID != w.CubeID {
				continue
			}
			if existing.CycleNumber == w.CycleNumber || existing.UserID == w.UserID {
				return cube.ErrDuplicateWinner
			}
		}
		if w.ID == uuid.Nil {
			w.ID = uuid.New()
		}
		st.winners[w.ID] = *w
		return nil
	})
}

func (s *Store) GetWinner(ctx context.Context, cubeID uuid.UUID, cycleNumber int) (*cube.CycleWinner, error) {
	var out *cube.CycleWinner
	err := s.read(ctx, func(st state) error {
		for _, w := range st.winners {
			if w.CubeID == cubeID && w.CycleNumber == cycleNumber {
				w := w
				out = &w
				return nil
			}
		}
		return cube.ErrWinnerNotFound
	})
	return out, err
}

func (s *Store) ListWinners(ctx context.Context, cubeID uuid.UUID) ([]*cube.CycleWinner, error) {
	out := make([]*cube.CycleWinner, 0)
	err := s.read(ctx, func(st state) error {
		for _, w := range st.winners {
			if w.CubeID == cubeID {
				w := w
				out = append(out, &w)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CycleNumber < out[j].CycleNumber })
	return out, nil
}

func (s *Store) MarkPayoutSent(ctx context.Context, winnerID uuid.UUID, reference string) error {
	return s.updateWinner(ctx, winnerID, func(w *cube.CycleWinner) {
		w.PayoutSent = true
		w.PayoutReference.String, w.PayoutReference.Valid = reference, true
		w.PayoutAttempts++
		w.LastPayoutError.Valid = false
	})
}

func (s *Store) RecordPayoutFailure(ctx context.Context, winnerID uuid.UUID, reason string) error {
	return s.updateWinner(ctx, winnerID, func(w *cube.CycleWinner) {
		w.PayoutAttempts++
		w.LastPayoutError.String, w.LastPayoutError.Valid = reason, true
	})
}

func (s *Store) updateWinner(ctx context.Context, winnerID uuid.UUID, mutate func(*cube.CycleWinner)) error {
	return s.write(ctx, func(st state) error {
		w, ok := st.winners[winnerID]
		if !ok {
			return cube.ErrWinnerNotFound
		}
		mutate(&w)
		st.winners[winnerID] = w
		return nil
	})
}

func (s *Store) ListPendingPayouts(ctx context.Context, maxAttempts int) ([]*cube.CycleWinner, error) {
	out := make([]*cube.CycleWinner, 0)
	err := s.read(ctx, func(st state) error {
		for _, w := range st.winners {
			if !w.PayoutSent && w.PayoutAttempts < maxAttempts {
				w := w
				out = append(out, &w)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SelectedAt.Before(out[j].SelectedAt) })
	return out, nil
}
