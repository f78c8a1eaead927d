package app

import (
	"context"
	"fmt"
	"time"

	"cube_rotation_bot/internal/domain/cube"
	"cube_rotation_bot/internal/infra/metrics"

	"github.com/sirupsen/logrus"
)

// PayoutService hands winners to the payout collaborator and records the result
// on the winner. It never re-selects a winner.
type PayoutService struct {
	winners     cube.WinnerRepository
	sender      cube.PayoutSender
	timeout     time.Duration
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *logrus.Entry
}

func NewPayoutService(
	winners cube.WinnerRepository,
	sender cube.PayoutSender,
	timeout time.Duration,
	maxAttempts int,
	m *metrics.Metrics,
	logger *logrus.Entry,
) *PayoutService {
	return &PayoutService{
		winners:     winners,
		sender:      sender,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		metrics:     m,
		logger:      logger,
	}
}

// Dispatch sends one payout with the configured timeout. A failure is stored on
// the winner and returned.
func (s *PayoutService) Dispatch(ctx context.Context, w *cube.CycleWinner) error {
	logCtx := s.logger.WithFields(logrus.Fields{
		"cube_id": w.CubeID,
		"cycle":   w.CycleNumber,
		"user_id": w.UserID,
	})

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	reference, err := s.sender.SendPayout(sendCtx, w.UserID, w.PayoutAmount, w.CubeID, w.CycleNumber)
	cancel()
	if err != nil {
		s.metrics.IncPayout(metrics.PayoutFailed)
		if recErr := s.winners.RecordPayoutFailure(ctx, w.ID, err.Error()); recErr != nil {
			logCtx.WithError(recErr).Error("Failed to record payout failure")
		}
		return fmt.Errorf("payout for cycle %d failed: %w", w.CycleNumber, err)
	}

	if err := s.winners.MarkPayoutSent(ctx, w.ID, reference); err != nil {
		// The transfer is idempotent, a retry will return the same reference.
		return fmt.Errorf("failed to mark payout sent: %w", err)
	}
	s.metrics.IncPayout(metrics.PayoutSent)
	logCtx.WithField("reference", reference).Info("Payout sent")
	return nil
}

// RetryPending re-dispatches winners whose payout has not gone through and
// still has attempts left.
func (s *PayoutService) RetryPending(ctx context.Context) (sent, failed int, err error) {
	pending, err := s.winners.ListPendingPayouts(ctx, s.maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list pending payouts: %w", err)
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}
	s.logger.WithField("pending", len(pending)).Info("Retrying pending payouts")

	for _, w := range pending {
		if ctx.Err() != nil {
			return sent, failed, ctx.Err()
		}
		if err := s.Dispatch(ctx, w); err != nil {
			failed++
			s.logger.WithError(err).WithField("cube_id", w.CubeID).Warn("Payout retry failed")
			continue
		}
		sent++
	}
	return sent, failed, nil
}
