// Package notifier delivers owner notifications. The telegram implementation
// treats recipients as chat ids; the log implementation stands in when no
// token is configured.
package notifier

import (
	"context"
	"fmt"
	"strconv"

	"bitmex-fleet-bot-go/internal/bus"
	"bitmex-fleet-bot-go/internal/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier sends one rendered message to a recipient list.
type Notifier interface {
	Send(ctx context.Context, recipients []string, subject, body string) error
}

// RenderNotice turns a worker notice into the message the owner receives.
func RenderNotice(n bus.Notice) (subject, body string) {
	if n.Liquidated {
		subject = "Bot liquidated"
		body = fmt.Sprintf(
			"Your bot %s was liquidated at %.2f and has been stopped. Account %s may need attention.",
			n.BotID, n.Price, n.AccountID)
		return subject, body
	}
	subject = "Target price reached"
	body = fmt.Sprintf(
		"Your bot %s reached its target price at %.2f and has been stopped.",
		n.BotID, n.Price)
	return subject, body
}

// Telegram sends messages through a bot token; recipients are chat ids.
type Telegram struct {
	api *tgbotapi.BotAPI
}

func NewTelegram(token string) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect telegram bot: %w", err)
	}
	logger.S().Infof("telegram notifier authorized as %s", api.Self.UserName)
	return &Telegram{api: api}, nil
}

func (t *Telegram) Send(ctx context.Context, recipients []string, subject, body string) error {
	text := subject + "\n\n" + body
	for _, r := range recipients {
		chatID, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			logger.S().Warnf("notifier: skipping recipient %q: not a chat id", r)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			return fmt.Errorf("failed to send to chat %d: %w", chatID, err)
		}
	}
	return nil
}

// Log writes notifications to the process log. Used when no telegram token
// is configured so notify events are never silently lost.
type Log struct{}

func NewLog() Log { return Log{} }

func (Log) Send(ctx context.Context, recipients []string, subject, body string) error {
	logger.S().Infow("notification",
		"recipients", recipients,
		"subject", subject,
		"body", body,
	)
	return nil
}
