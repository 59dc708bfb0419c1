package notifier

import (
	"context"
	"log/slog"

	"github.com/go-telegram/bot"
)

// Notifier delivers operator alerts over Telegram. Device-side provisioning
// failures are absorbed by the payment pipeline, so this channel is how an
// operator learns an account needs out-of-band provisioning.
type Notifier struct {
	bot    *bot.Bot
	chatID int64
	log    *slog.Logger
}

// New creates a new notifier. With an empty token or chat ID it stays
// disabled and Alert becomes a no-op.
func New(token string, chatID int64, log *slog.Logger) (*Notifier, error) {
	n := &Notifier{chatID: chatID, log: log}

	if token == "" || chatID == 0 {
		log.Info("operator alerts disabled: OPERATOR_BOT_TOKEN or OPERATOR_CHAT_ID not set")
		return n, nil
	}

	b, err := bot.New(token)
	if err != nil {
		return nil, err
	}
	n.bot = b

	return n, nil
}

// Alert sends a message to the operator chat. Delivery failures are logged;
// an alert about an absorbed error must not itself break anything.
func (n *Notifier) Alert(ctx context.Context, message string) {
	if n.bot == nil {
		return
	}

	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   message,
	})
	if err != nil {
		n.log.Error("send operator alert", "error", err)
	}
}
