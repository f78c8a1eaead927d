package app

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"cube_rotation_bot/internal/domain/cube"
)

// RandomSource returns a uniformly distributed integer in [0, n).
type RandomSource interface {
	Intn(n int) (int, error)
}

// CryptoSource draws from crypto/rand. It is the production source.
type CryptoSource struct{}

func (CryptoSource) Intn(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random index: %w", err)
	}
	return int(v.Int64()), nil
}

// WinnerSelector picks one eligible member with probability 1/k.
type WinnerSelector struct {
	source RandomSource
}

func NewWinnerSelector(source RandomSource) *WinnerSelector {
	if source == nil {
		source = CryptoSource{}
	}
	return &WinnerSelector{source: source}
}

// Select returns one of eligible. The input order is significant only for
// deterministic sources.
func (s *WinnerSelector) Select(eligible []int64) (int64, error) {
	if len(eligible) == 0 {
		return 0, cube.ErrNoEligibleMembers
	}
	idx, err := s.source.Intn(len(eligible))
	if err != nil {
		return 0, err
	}
	if idx < 0 || idx >= len(eligible) {
		return 0, fmt.Errorf("random source returned index %d outside [0, %d)", idx, len(eligible))
	}
	return eligible[idx], nil
}
