package app

import (
	"context"
	"errors"
	"fmt"

	"cube_rotation_bot/internal/domain/cube"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// AdminService covers the operator actions around the cycle engine: creating
// cubes, enrolling members and cancelling.
type AdminService struct {
	cubes           cube.Repository
	members         cube.MemberRegistry
	txManager       cube.TransactionManager
	notifier        cube.ReadinessNotifier
	adminTelegramID int64
	logger          *logrus.Entry
}

func NewAdminService(
	cubes cube.Repository,
	members cube.MemberRegistry,
	txManager cube.TransactionManager,
	notifier cube.ReadinessNotifier,
	adminID int64,
	logger *logrus.Entry,
) *AdminService {
	return &AdminService{
		cubes:           cubes,
		members:         members,
		txManager:       txManager,
		notifier:        notifier,
		adminTelegramID: adminID,
		logger:          logger,
	}
}

// CreateCube adds a draft cube with the given capacity and contribution.
func (s *AdminService) CreateCube(ctx context.Context, performingAdminID int64, name string, numberOfMembers int, amountPerCycle decimal.Decimal) (*cube.Cube, error) {
	if performingAdminID != s.adminTelegramID {
		return nil, cube.ErrNotAuthorized
	}
	if name == "" {
		return nil, fmt.Errorf("%w: name is empty", cube.ErrInvalidCube)
	}
	if numberOfMembers < 2 {
		return nil, fmt.Errorf("%w: a cube needs at least 2 members", cube.ErrInvalidCube)
	}
	if !amountPerCycle.IsPositive() {
		return nil, fmt.Errorf("%w: amount per cycle must be positive", cube.ErrInvalidCube)
	}

	newCube := &cube.Cube{
		ID:                   uuid.New(),
		Name:                 name,
		Status:               cube.StatusDraft,
		CurrentCycle:         1,
		NumberOfMembers:      numberOfMembers,
		AmountPerCycle:       amountPerCycle,
		TotalAmountCollected: decimal.Zero,
	}
	if err := s.cubes.Create(ctx, newCube); err != nil {
		return nil, fmt.Errorf("failed to create cube in repository: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"cube_id": newCube.ID, "members": numberOfMembers}).Info("Cube created")
	return newCube, nil
}

// AddMember enrolls a user into a draft cube.
func (s *AdminService) AddMember(ctx context.Context, performingAdminID int64, cubeID uuid.UUID, userID int64, role cube.Role) (*cube.Member, error) {
	if performingAdminID != s.adminTelegramID {
		return nil, cube.ErrNotAuthorized
	}

	var added *cube.Member
	err := s.txManager.RunInTx(ctx, func(ctx context.Context) error {
		c, err := s.cubes.GetByIDForUpdate(ctx, cubeID)
		if err != nil {
			return err
		}
		if c.Status != cube.StatusDraft {
			return fmt.Errorf("%w: members can only join draft cubes", cube.ErrCubeNotDraft)
		}
		count, err := s.members.CountMembers(ctx, cubeID)
		if err != nil {
			return fmt.Errorf("failed to count members: %w", err)
		}
		if count >= c.NumberOfMembers {
			return cube.ErrCubeFull
		}
		_, err = s.members.GetMember(ctx, cubeID, userID)
		if err == nil {
			return cube.ErrDuplicateMember
		}
		if !errors.Is(err, cube.ErrMemberNotFound) {
			return fmt.Errorf("failed to check existing member: %w", err)
		}

		m := &cube.Member{
			ID:            uuid.New(),
			CubeID:        cubeID,
			UserID:        userID,
			Role:          role,
			PaymentStatus: cube.PaymentAwaiting,
		}
		m.PayoutPosition.Int32, m.PayoutPosition.Valid = int32(count+1), true
		if err := s.members.AddMember(ctx, m); err != nil {
			return err
		}
		added = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		if err := s.notifier.NotifyIfReady(ctx, cubeID); err != nil {
			s.logger.WithError(err).WithField("cube_id", cubeID).Error("Readiness notification failed")
		}
	}
	return added, nil
}

// CancelCube moves a draft or active cube to cancelled.
func (s *AdminService) CancelCube(ctx context.Context, performingAdminID int64, cubeID uuid.UUID) (*cube.Cube, error) {
	if performingAdminID != s.adminTelegramID {
		return nil, cube.ErrNotAuthorized
	}

	var cancelled *cube.Cube
	err := s.txManager.RunInTx(ctx, func(ctx context.Context) error {
		c, err := s.cubes.GetByIDForUpdate(ctx, cubeID)
		if err != nil {
			return err
		}
		if c.Status == cube.StatusCompleted || c.Status == cube.StatusCancelled {
			return fmt.Errorf("%w: status is %s", cube.ErrCubeClosed, c.Status)
		}
		c.Status = cube.StatusCancelled
		c.NextPayoutDate.Valid = false
		if err := s.cubes.Update(ctx, c); err != nil {
			return fmt.Errorf("failed to cancel cube: %w", err)
		}
		cancelled = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithField("cube_id", cubeID).Info("Cube cancelled")
	return cancelled, nil
}
