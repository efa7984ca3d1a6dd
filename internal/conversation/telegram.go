package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/walterra/eddoapp-sub009/internal/logging"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// TelegramChannel is the channel name used in handles and session keys.
const TelegramChannel = "telegram"

// BotAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Telegram is a Channel backed by the Telegram Bot API. Sends are rate limited to stay
// under the bot API's flood limits.
type Telegram struct {
	api     BotAPI
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewTelegramBot connects to the Bot API with token.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNotification, "telegram authorization failed").WithCause(err)
	}
	return bot, nil
}

// NewTelegram wraps api. perSecond <= 0 disables rate limiting.
func NewTelegram(api BotAPI, perSecond float64, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = logging.Discard()
	}
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}
	return &Telegram{api: api, limiter: rate.NewLimiter(limit, burst), logger: logger}
}

func (t *Telegram) Name() string { return TelegramChannel }

// Send posts text to the chat at address, rendering actions as one row of inline buttons.
func (t *Telegram) Send(ctx context.Context, address, text string, actions []Action) error {
	chatID, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNotification, "invalid telegram chat id %q", address)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return schema.NewError(schema.ErrCodeNotification, "telegram send cancelled").WithCause(err)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if len(actions) > 0 {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(actions))
		for _, a := range actions {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(a.Label, a.Data))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(buttons...))
	}

	if _, err := t.api.Send(msg); err != nil {
		e := schema.NewErrorf(schema.ErrCodeNotification, "telegram send to %d failed", chatID).WithCause(err)
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			e = e.WithDetails(map[string]any{"retry_after": apiErr.RetryAfter})
		}
		return e
	}
	return nil
}

// Listen forwards updates to handle until ctx is cancelled. Button presses are
// acknowledged before they are handed on.
func (t *Telegram) Listen(ctx context.Context, handle func(context.Context, Inbound)) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 60
	updates := t.api.GetUpdatesChan(cfg)
	defer t.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			in, ok := t.inbound(u)
			if !ok {
				continue
			}
			if in.CallbackID != "" {
				if _, err := t.api.Request(tgbotapi.NewCallback(in.CallbackID, "")); err != nil {
					t.logger.Warn("callback ack failed", slog.String("error", err.Error()))
				}
			}
			handle(ctx, in)
		}
	}
}

func (t *Telegram) inbound(u tgbotapi.Update) (Inbound, bool) {
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		if cq.Message == nil || cq.Message.Chat == nil {
			return Inbound{}, false
		}
		in := Inbound{
			Channel:      TelegramChannel,
			Address:      strconv.FormatInt(cq.Message.Chat.ID, 10),
			CallbackID:   cq.ID,
			CallbackData: cq.Data,
		}
		if cq.From != nil {
			in.UserID = strconv.FormatInt(cq.From.ID, 10)
		}
		return in, true
	case u.Message != nil && u.Message.Chat != nil && u.Message.Text != "":
		in := Inbound{
			Channel: TelegramChannel,
			Address: strconv.FormatInt(u.Message.Chat.ID, 10),
			Text:    u.Message.Text,
		}
		if u.Message.From != nil {
			in.UserID = strconv.FormatInt(u.Message.From.ID, 10)
		}
		return in, true
	}
	return Inbound{}, false
}
