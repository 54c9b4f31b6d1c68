// Package transport defines the narrow outbound chat delivery boundary the
// notifier uses. The concrete adapter (Telegram today) lives in a
// subpackage; nothing else in the repo imports the adapter directly.
package transport

import "context"

type ChatTarget struct {
	ChatID int64
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers one text message. Implementations must be safe for
// concurrent use.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// SenderFunc adapts a function to Sender (tests, fakes).
type SenderFunc func(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error

func (f SenderFunc) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error {
	return f(ctx, to, text, opt)
}
