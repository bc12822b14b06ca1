package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"generation-reconciler/internal/config"
	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
	"generation-reconciler/internal/infra/i18n"
)

var _ adapter.Deliverer = (*BotDeliverer)(nil)

// sender is the part of *tgbotapi.BotAPI used for delivery.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotDeliverer sends results through the bot registered for a job's
// channel_name. The owner id is the Telegram chat id.
type BotDeliverer struct {
	bots map[string]sender
	tr   *i18n.Translator
	log  *zerolog.Logger
}

// NewBotDeliverer logs in every configured bot. Each Bot API request is
// bounded by cfg.Timeout.
func NewBotDeliverer(cfg config.DeliveryConfig, tr *i18n.Translator, logger *zerolog.Logger) (*BotDeliverer, error) {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := &http.Client{Timeout: cfg.Timeout}
	bots := make(map[string]sender, len(cfg.Channels))
	for name, bc := range cfg.Channels {
		if bc.Token == "" {
			return nil, fmt.Errorf("channel %s: empty bot token", name)
		}
		bot, err := tgbotapi.NewBotAPIWithClient(bc.Token, endpoint, client)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		bots[name] = bot
	}
	return newBotDeliverer(bots, tr, logger), nil
}

func newBotDeliverer(bots map[string]sender, tr *i18n.Translator, logger *zerolog.Logger) *BotDeliverer {
	l := logger.With().Str("component", "telegram_deliverer").Logger()
	return &BotDeliverer{bots: bots, tr: tr, log: &l}
}

func (d *BotDeliverer) Notify(ctx context.Context, ownerID, channelName string, del adapter.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, ok := d.bots[channelName]
	if !ok {
		return &adapter.ProviderError{Provider: "telegram", Permanent: true, Err: fmt.Errorf("%w: no bot for channel %q", domain.ErrInvalidArgument, channelName)}
	}
	chatID, err := strconv.ParseInt(ownerID, 10, 64)
	if err != nil {
		return &adapter.ProviderError{Provider: "telegram", Permanent: true, Err: fmt.Errorf("%w: owner %q is not a chat id", domain.ErrInvalidArgument, ownerID)}
	}

	if err := d.send(ctx, bot, d.message(chatID, del)); err != nil {
		return err
	}
	d.log.Debug().Str("job_id", del.JobID).Str("channel", channelName).Bool("failure", del.IsFailure()).Msg("delivered")
	return nil
}

// send gives up when ctx ends. The Bot API client takes no context, so an
// abandoned request runs on until the client timeout.
func (d *BotDeliverer) send(ctx context.Context, bot sender, c tgbotapi.Chattable) error {
	done := make(chan error, 1)
	go func() {
		_, err := bot.Send(c)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return classifySendError(err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram: %w", ctx.Err())
	}
}

func (d *BotDeliverer) message(chatID int64, del adapter.Delivery) tgbotapi.Chattable {
	if del.IsFailure() {
		text := d.tr.T("failed.default", del.Reason)
		if del.Moderated {
			text = d.tr.T("failed.moderation")
		}
		return tgbotapi.NewMessage(chatID, text)
	}

	file := tgbotapi.FileURL(del.ArtifactURL)
	key := "result." + string(del.Kind)
	switch del.Kind {
	case model.JobKindImage:
		m := tgbotapi.NewPhoto(chatID, file)
		m.Caption = d.tr.T(key)
		return m
	case model.JobKindVideo:
		m := tgbotapi.NewVideo(chatID, file)
		m.Caption = d.tr.T(key)
		return m
	case model.JobKindVoice:
		m := tgbotapi.NewAudio(chatID, file)
		m.Caption = d.tr.T(key)
		return m
	}
	if d.tr.Has(key) {
		return tgbotapi.NewMessage(chatID, d.tr.T(key, del.ArtifactURL))
	}
	return tgbotapi.NewMessage(chatID, d.tr.T("result.default", del.ArtifactURL))
}

// classifySendError marks chat-level rejections (blocked bot, unknown chat) as permanent.
func classifySendError(err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		status := http.StatusBadGateway
		if tgErr.Code >= 400 && tgErr.Code < 600 {
			status = tgErr.Code
		}
		return adapter.NewHTTPError("telegram", status, err)
	}
	return fmt.Errorf("telegram: %w", err)
}
