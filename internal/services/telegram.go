package services

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/jeebsjenkins/openclaw/internal/schema"
)

// TelegramService ingests bot updates via long polling and routes each as
// telegram/<chatId> into the broker.
type TelegramService struct {
	name       string
	token      string
	pathPrefix string
	router     schema.Router
}

func newTelegramService(m Manifest, router schema.Router) *TelegramService {
	prefix := m.Settings["pathPrefix"]
	if prefix == "" {
		prefix = "telegram"
	}
	return &TelegramService{
		name:       m.Name,
		token:      m.Settings["token"],
		pathPrefix: prefix,
		router:     router,
	}
}

func (t *TelegramService) Name() string { return t.name }
func (t *TelegramService) Kind() string { return "telegram" }

func (t *TelegramService) Start(ctx context.Context) error {
	if t.token == "" {
		return fmt.Errorf("telegram: bot token not configured")
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	slog.Info("telegram: connected", "service", t.name, "username", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (t *TelegramService) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	content := msg.Text
	if msg.Caption != "" {
		content = msg.Caption
	}
	if content == "" {
		content = "[empty message]"
	}

	from := fmt.Sprintf("telegram/%d", msg.From.ID)
	path := fmt.Sprintf("%s/%d", t.pathPrefix, msg.Chat.ID)
	_, err := t.router.Route(from, path, schema.RouteOptions{
		Command:    content,
		Source:     schema.SourceTelegram,
		ExternalID: fmt.Sprintf("%d", msg.MessageID),
		Payload: map[string]any{
			"chatId":   msg.Chat.ID,
			"userId":   msg.From.ID,
			"username": msg.From.UserName,
		},
	})
	if err != nil {
		slog.Warn("telegram: route failed", "service", t.name, "err", err)
	}
}
