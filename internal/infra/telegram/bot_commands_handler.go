// internal/infra/telegram/bot_commands_handler.go
package telegram

import (
	"fmt"
	"strings"

	"cube_rotation_bot/internal/infra/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

func RegisterBotCommands(
	b *telebot.Bot,
	cfg *config.AppConfig, // For AdminTelegramID
	baseLogger *logrus.Entry,
) {
	startHelpLogger := baseLogger.WithField("handler_group", "start_help")

	b.Handle("/start", func(c telebot.Context) error {
		senderID := c.Sender().ID
		logCtx := startHelpLogger.WithField("command", "/start").WithField("sender_id", senderID)
		logCtx.Info("Processing /start command")
		return c.Send(startText(senderID == cfg.AdminTelegramID, c.Sender().FirstName, senderID))
	})

	b.Handle("/help", func(c telebot.Context) error {
		senderID := c.Sender().ID
		logCtx := startHelpLogger.WithField("command", "/help").WithField("sender_id", senderID)
		logCtx.Info("Processing /help command")
		return c.Send(helpText(senderID == cfg.AdminTelegramID), &telebot.SendOptions{ParseMode: telebot.ModeMarkdown})
	})
}

func startText(isAdmin bool, firstName string, senderID int64) string {
	if isAdmin {
		return fmt.Sprintf("Hello, administrator %s! The bot is ready. Use /help for the list of commands.", firstName)
	}
	return fmt.Sprintf("Hello, %s! I run savings cubes: members pay in every cycle and one member receives the pot. "+
		"Share your Telegram ID %d with the administrator to join a cube.", firstName, senderID)
}

func helpText(isAdmin bool) string {
	var sb strings.Builder
	if isAdmin {
		sb.WriteString("Administrator commands:\n\n")
		sb.WriteString("`/create_cube <members> <amount> <name>`\n - Create a draft cube.\n\n")
		sb.WriteString("`/add_member <cube_id> <user_id> [admin]`\n - Enroll a user into a draft cube.\n\n")
		sb.WriteString("`/mark_paid <cube_id> <user_id> [cycle]`\n - Confirm a member's contribution.\n\n")
		sb.WriteString("`/process_cycle <cube_id>`\n - Close the current cycle now if it is due.\n\n")
		sb.WriteString("`/cancel_cube <cube_id>`\n - Cancel a draft or active cube.\n\n")
	}
	sb.WriteString("Member commands:\n\n")
	sb.WriteString("`/start_cube <cube_id>`\n - Start a fully paid draft cube (cube admins only).\n\n")
	sb.WriteString("`/cycle_status <cube_id>`\n - Show the current cycle.\n\n")
	sb.WriteString("`/payments <cube_id> [cycle]`\n - Show who has paid.\n\n")
	sb.WriteString("`/help`\n - Show this message.")
	return sb.String()
}
