// Package send delivers rendered summaries to chat channels and email
// addresses.
package send

import (
	"context"
	"errors"
)

// ErrUnavailable marks transport-level outages (network down, provider
// 5xx/429). Errors wrapping it fail the whole delivery step so the workflow
// retries the remaining batch; every other send error is a per-target outcome
// recorded on its task.
var ErrUnavailable = errors.New("transport unavailable")

// ChatSender posts one message to a provider channel.
type ChatSender interface {
	SendChannelMessage(ctx context.Context, channelID, text string) error
}

// EmailSender delivers one email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}
