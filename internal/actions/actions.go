// Package actions exposes the messaging side effects the assistant may
// trigger mid-conversation. The binding is an explicit dependency handed
// to the tool layer, never a global, so tests can swap capabilities
// per-case.
package actions

import (
	"context"
	"fmt"
	"strings"
)

// SendTextFunc delivers a text message to a chat on a channel.
type SendTextFunc func(ctx context.Context, channel, chatID, text string, replyTo string) error

// SendVoiceFunc delivers a voice file to a chat on a channel.
type SendVoiceFunc func(ctx context.Context, channel, chatID, filePath string) error

// SendReactionFunc places an emoji reaction on a message.
type SendReactionFunc func(ctx context.Context, channel, chatID, messageID, emoji string) error

// Binding carries the capabilities the running connectors provide. A
// nil capability means the feature is not wired for this deployment.
type Binding struct {
	SendText     SendTextFunc
	SendVoice    SendVoiceFunc
	SendReaction SendReactionFunc
}

// Result sentinels returned to the model.
const (
	ResultOK                    = "ok"
	ResultConnectorNotAvailable = "connector_not_available"
)

func notSupported(feature string) string {
	return feature + "_not_supported"
}

func invalid(field string) string {
	return "invalid_" + field
}

func sendFailed(err error) string {
	return fmt.Sprintf("send_failed: %v", err)
}

// Text sends a text message. Empty text and blank targets are rejected
// before touching the connector.
func (b *Binding) Text(ctx context.Context, channel, chatID, text, replyTo string) string {
	if b == nil {
		return ResultConnectorNotAvailable
	}
	if b.SendText == nil {
		return notSupported("send_text")
	}
	if strings.TrimSpace(chatID) == "" {
		return invalid("chat_id")
	}
	if strings.TrimSpace(text) == "" {
		return invalid("text")
	}
	if err := b.SendText(ctx, channel, chatID, text, replyTo); err != nil {
		return sendFailed(err)
	}
	return ResultOK
}

// Voice sends a voice file.
func (b *Binding) Voice(ctx context.Context, channel, chatID, filePath string) string {
	if b == nil {
		return ResultConnectorNotAvailable
	}
	if b.SendVoice == nil {
		return notSupported("send_voice")
	}
	if strings.TrimSpace(chatID) == "" {
		return invalid("chat_id")
	}
	if strings.TrimSpace(filePath) == "" {
		return invalid("file_path")
	}
	if err := b.SendVoice(ctx, channel, chatID, filePath); err != nil {
		return sendFailed(err)
	}
	return ResultOK
}

// Reaction places an emoji reaction on a message.
func (b *Binding) Reaction(ctx context.Context, channel, chatID, messageID, emoji string) string {
	if b == nil {
		return ResultConnectorNotAvailable
	}
	if b.SendReaction == nil {
		return notSupported("send_reaction")
	}
	if strings.TrimSpace(chatID) == "" {
		return invalid("chat_id")
	}
	if strings.TrimSpace(messageID) == "" {
		return invalid("message_id")
	}
	if strings.TrimSpace(emoji) == "" {
		return invalid("emoji")
	}
	if err := b.SendReaction(ctx, channel, chatID, messageID, emoji); err != nil {
		return sendFailed(err)
	}
	return ResultOK
}
