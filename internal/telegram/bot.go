// Package telegram connects the alert service to the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"pricealert/internal/commands"
	"pricealert/internal/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Handler receives one inbound chat message.
type Handler func(ctx context.Context, msg commands.Message)

// Bot sends chat messages and receives commands, either by long polling or
// through a webhook.
type Bot struct {
	api *tgbotapi.BotAPI
}

type Options struct {
	// Endpoint is a format string taking the token and the method name.
	// Defaults to tgbotapi.APIEndpoint.
	Endpoint string
	Client   *http.Client
}

// New authenticates with the Bot API. It fails when the token is rejected.
func New(token string, opts Options) (*Bot, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = tgbotapi.APIEndpoint
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if err := tgbotapi.SetLogger(zapBotLogger{}); err != nil {
		return nil, err
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, opts.Endpoint, opts.Client)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	logger.Log.Info("Authorized on Telegram", zap.String("bot", api.Self.UserName))
	return &Bot{api: api}, nil
}

// Username is the bot's own handle.
func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// Send delivers text to the chat whose decimal id is recipient.
func (b *Bot) Send(ctx context.Context, recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", recipient, err)
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send message to %s: %w", recipient, err)
	}
	return nil
}

// Poll long-polls for updates, waiting up to timeout seconds per request, and
// hands each message to handler one at a time until ctx is cancelled.
func (b *Bot) Poll(ctx context.Context, timeout int, handler Handler) error {
	if _, err := b.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeout
	updates := b.api.GetUpdatesChan(u)
	logger.Log.Info("Polling Telegram for updates")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if msg, ok := toMessage(update); ok {
				handler(ctx, msg)
			}
		}
	}
}

// SetWebhook registers url as the destination for updates.
func (b *Bot) SetWebhook(url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if _, err := b.api.Request(wh); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	logger.Log.Info("Telegram webhook registered", zap.String("url", url))
	return nil
}

// WebhookPath is the route Telegram posts updates to.
func WebhookPath(token string) string {
	return "/bot" + token
}

// WebhookHandler decodes posted updates and hands each message to handler.
func (b *Bot) WebhookHandler(handler Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		update, err := b.api.HandleUpdate(r)
		if err != nil {
			logger.Log.Warn("Rejected webhook request", zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if msg, ok := toMessage(*update); ok {
			handler(r.Context(), msg)
		}
		w.WriteHeader(http.StatusOK)
	}
}

func toMessage(update tgbotapi.Update) (commands.Message, bool) {
	m := update.Message
	if m == nil || m.Chat == nil || m.Text == "" {
		return commands.Message{}, false
	}
	msg := commands.Message{
		ChatID: strconv.FormatInt(m.Chat.ID, 10),
		Text:   m.Text,
	}
	if m.From != nil {
		msg.Username = m.From.UserName
	}
	return msg, true
}

// zapBotLogger routes the library's log lines through the service logger.
type zapBotLogger struct{}

func (zapBotLogger) Println(v ...interface{}) {
	logger.Log.Debug(fmt.Sprint(v...), zap.String("component", "telegram"))
}

func (zapBotLogger) Printf(format string, v ...interface{}) {
	logger.Log.Debug(fmt.Sprintf(format, v...), zap.String("component", "telegram"))
}
