// internal/app/readiness_notifier.go
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cube_rotation_bot/internal/domain/cube"
	domainTelegram "cube_rotation_bot/internal/domain/telegram"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// TelegramReadinessNotifier tells cube members when a cube is fully staffed and
// fully paid, and applies the stalled-cycle policy.
type TelegramReadinessNotifier struct {
	cubes          cube.Repository
	members        cube.MemberRegistry
	ledger         cube.PaymentLedger
	telegramClient domainTelegram.Client
	notifyStalled  bool
	stalledAfter   time.Duration
	logger         *logrus.Entry
}

func NewTelegramReadinessNotifier(
	cubes cube.Repository,
	members cube.MemberRegistry,
	ledger cube.PaymentLedger,
	tc domainTelegram.Client,
	notifyStalled bool, // true for the notify_admins stalled policy
	stalledAfter time.Duration,
	logger *logrus.Entry,
) *TelegramReadinessNotifier {
	return &TelegramReadinessNotifier{
		cubes:          cubes,
		members:        members,
		ledger:         ledger,
		telegramClient: tc,
		notifyStalled:  notifyStalled,
		stalledAfter:   stalledAfter,
		logger:         logger,
	}
}

// NotifyIfReady sends nothing unless the roster is full and every member paid
// the current cycle. Draft cubes alert their admins to start the rotation;
// active cubes tell everyone when the draw happens.
func (n *TelegramReadinessNotifier) NotifyIfReady(ctx context.Context, cubeID uuid.UUID) error {
	logCtx := n.logger.WithField("cube_id", cubeID)

	c, err := n.cubes.GetByID(ctx, cubeID)
	if err != nil {
		return fmt.Errorf("failed to load cube: %w", err)
	}
	roster, err := n.members.ListMembers(ctx, cubeID)
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}
	if len(roster) < c.NumberOfMembers {
		logCtx.WithField("members", len(roster)).Debug("Cube not full yet, no readiness notification")
		return nil
	}
	allPaid, err := n.ledger.HasAllMembersPaid(ctx, cubeID, c.CurrentCycle)
	if err != nil {
		return fmt.Errorf("failed to check payments: %w", err)
	}
	if !allPaid {
		logCtx.Debug("Cube not fully paid yet, no readiness notification")
		return nil
	}

	switch c.Status {
	case cube.StatusDraft:
		msg := fmt.Sprintf("Cube %q is full and everyone has paid cycle 1. Start the rotation with:\n/start_cube %s", c.Name, c.ID)
		n.broadcast(logCtx, roster, msg, true)
	case cube.StatusActive:
		when := "at the next scheduler run"
		if c.NextPayoutDate.Valid {
			when = "on " + c.NextPayoutDate.Time.Format("2006-01-02 15:04")
		}
		msg := fmt.Sprintf("All %d members of cube %q have paid cycle %d. The winner will be drawn %s.", len(roster), c.Name, c.CurrentCycle, when)
		n.broadcast(logCtx, roster, msg, false)
	default:
		logCtx.WithField("status", c.Status).Debug("Cube is closed, no readiness notification")
	}
	return nil
}

// CheckStalled finds active cubes whose payout date passed more than
// stalledAfter ago while contributions are still missing. It never changes
// cube state; with notification enabled it messages the cube admins.
func (n *TelegramReadinessNotifier) CheckStalled(ctx context.Context, now time.Time) (int, error) {
	due, err := n.cubes.ListDue(ctx, now.Add(-n.stalledAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue cubes: %w", err)
	}

	stalled := 0
	for _, c := range due {
		logCtx := n.logger.WithFields(logrus.Fields{"cube_id": c.ID, "cycle": c.CurrentCycle})
		roster, err := n.members.ListMembers(ctx, c.ID)
		if err != nil {
			logCtx.WithError(err).Error("Failed to list members for stall check")
			continue
		}
		awaiting := awaitingUserIDs(roster)
		if len(awaiting) == 0 {
			continue
		}
		stalled++
		logCtx.WithField("awaiting", len(awaiting)).Warn("Cube cycle is stalled waiting on contributions")
		if !n.notifyStalled {
			continue
		}

		ids := make([]string, len(awaiting))
		for i, id := range awaiting {
			ids[i] = fmt.Sprintf("%d", id)
		}
		msg := fmt.Sprintf("Cube %q cycle %d is overdue since %s. Waiting on %d of %d members to pay: %s",
			c.Name, c.CurrentCycle, c.NextPayoutDate.Time.Format("2006-01-02"), len(awaiting), len(roster), strings.Join(ids, ", "))
		n.broadcast(logCtx, roster, msg, true)
	}
	return stalled, nil
}

func (n *TelegramReadinessNotifier) broadcast(logCtx *logrus.Entry, roster []*cube.Member, msg string, adminsOnly bool) {
	for _, m := range roster {
		if adminsOnly && !m.IsAdmin() {
			continue
		}
		if err := n.telegramClient.SendMessage(m.UserID, msg, &telebot.SendOptions{ParseMode: telebot.ModeDefault}); err != nil {
			logCtx.WithError(err).WithField("user_id", m.UserID).Error("Failed to send cube notification")
			continue
		}
		logCtx.WithField("user_id", m.UserID).Debug("Cube notification sent")
	}
}
