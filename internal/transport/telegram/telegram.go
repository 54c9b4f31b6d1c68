// Package telegram implements the chat delivery boundary on top of the
// Telegram Bot API. The adapter is send-only: this bot has no inbound
// command surface, so no poller is started.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"ocibot/internal/transport"
	"ocibot/pkg/logx"
)

type Config struct {
	Token   string
	Timeout time.Duration
}

type Adapter struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{bot: b, log: log}, nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if to.ChatID == 0 {
		return errors.New("telegram: chat id is zero")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(tele.ChatID(to.ChatID), text, toTeleOptions(opt))
	return err
}

func toTeleOptions(opt *transport.SendOptions) *tele.SendOptions {
	out := &tele.SendOptions{}
	if opt == nil {
		return out
	}
	out.ParseMode = tele.ParseMode(opt.ParseMode)
	out.DisableWebPagePreview = opt.DisablePreview
	return out
}
