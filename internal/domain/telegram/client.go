package telegram

import "gopkg.in/telebot.v3"

// Client sends messages to cube members through the bot.
type Client interface {
	SendMessage(recipientUserID int64, text string, options *telebot.SendOptions) error
}
