package app

import (
	"context"
	"fmt"

	"cube_rotation_bot/internal/domain/cube"
	domainTelegram "cube_rotation_bot/internal/domain/telegram"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// LedgerPayoutSender books the payout as a transfer in the payout ledger and
// tells the winner. The ledger row is keyed by cube, cycle and user, so a
// replayed call returns the original reference and does not pay twice.
type LedgerPayoutSender struct {
	ledger         cube.PayoutLedger
	telegramClient domainTelegram.Client
	logger         *logrus.Entry
}

func NewLedgerPayoutSender(ledger cube.PayoutLedger, tc domainTelegram.Client, logger *logrus.Entry) *LedgerPayoutSender {
	return &LedgerPayoutSender{ledger: ledger, telegramClient: tc, logger: logger}
}

func (s *LedgerPayoutSender) SendPayout(ctx context.Context, userID int64, amount decimal.Decimal, cubeID uuid.UUID, cycleNumber int) (string, error) {
	transfer := &cube.PayoutTransfer{
		Reference:      "po_" + uuid.NewString(),
		IdempotencyKey: cube.PayoutKey(cubeID, cycleNumber, userID),
		CubeID:         cubeID,
		CycleNumber:    cycleNumber,
		UserID:         userID,
		Amount:         amount,
	}
	stored, err := s.ledger.RecordPayoutTransfer(ctx, transfer)
	if err != nil {
		return "", fmt.Errorf("failed to book payout transfer: %w", err)
	}
	if stored.Reference != transfer.Reference {
		s.logger.WithField("reference", stored.Reference).Info("Payout transfer already booked, reusing reference")
		return stored.Reference, nil
	}

	if s.telegramClient != nil {
		msg := fmt.Sprintf("Congratulations! You won cycle %d of your cube. A payout of %s is on its way (ref %s).", cycleNumber, amount.StringFixed(2), stored.Reference)
		if err := s.telegramClient.SendMessage(userID, msg, &telebot.SendOptions{ParseMode: telebot.ModeDefault}); err != nil {
			s.logger.WithError(err).WithField("user_id", userID).Warn("Failed to notify payout winner")
		}
	}
	return stored.Reference, nil
}
