package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"biblio/internal/config"
	"biblio/internal/domain"
	"biblio/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TelegramSender delivers Markdown messages through the Bot API, throttled to the
// global send rate Telegram allows a bot.
type TelegramSender struct {
	api     domain.TelegramAPI
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewTelegramSender(api domain.TelegramAPI, rps float64, logger *zerolog.Logger) *TelegramSender {
	if rps <= 0 {
		rps = 25
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "telegram").Logger()
	}
	return &TelegramSender{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  l,
	}
}

// NewBotAPI connects to Telegram. endpoint overrides the API URL template, mostly for tests.
func NewBotAPI(cfg config.TelegramConfig, endpoint string) (*tgbotapi.BotAPI, error) {
	var (
		api *tgbotapi.BotAPI
		err error
	)
	if endpoint != "" {
		api, err = tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, endpoint)
	} else {
		api, err = tgbotapi.NewBotAPI(cfg.BotToken)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create bot api: %w", err)
	}
	api.Debug = cfg.Debug
	return api, nil
}

func (s *TelegramSender) Send(ctx context.Context, chatID int64, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = models.ParseModeMarkdown

	if _, err := s.api.Send(msg); err != nil {
		if permanent(err) {
			return fmt.Errorf("send to chat %d: %w: %w", chatID, domain.ErrUndeliverable, err)
		}
		return fmt.Errorf("send to chat %d: %w", chatID, err)
	}
	s.logger.Debug().Int64("chat_id", chatID).Msg("message sent")
	return nil
}

// permanent: 400 (chat not found, bad markup) and 403 (bot blocked) repeat on every retry.
func permanent(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusForbidden
}

// Broadcast sends text to every chat and returns how many deliveries succeeded.
func Broadcast(ctx context.Context, sender domain.Sender, chatIDs []int64, text string, logger *zerolog.Logger) int {
	sent := 0
	for _, id := range chatIDs {
		if err := sender.Send(ctx, id, text); err != nil {
			if logger != nil {
				logger.Warn().Err(err).Int64("chat_id", id).Msg("broadcast")
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		sent++
	}
	return sent
}
