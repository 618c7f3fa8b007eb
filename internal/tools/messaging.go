package tools

import (
	"context"

	"github.com/amohub/amohub/internal/actions"
	"github.com/amohub/amohub/internal/session"
)

// Messaging tools resolve the active conversation from the request
// context, so the model never has to (and never gets to) pick a target
// chat itself.

// SendTextTool sends an extra text message to the current chat.
type SendTextTool struct {
	binding *actions.Binding
}

// NewSendTextTool builds the tool over an actions binding.
func NewSendTextTool(binding *actions.Binding) *SendTextTool {
	return &SendTextTool{binding: binding}
}

func (t *SendTextTool) Name() string { return "messaging_send_text" }

func (t *SendTextTool) Description() string {
	return "Send an additional text message to the user in the current chat, outside the main reply."
}

func (t *SendTextTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "Message text to send.",
			},
		},
		"required":             []string{"text"},
		"additionalProperties": false,
	}
}

func (t *SendTextTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	sess, ok := session.From(ctx)
	if !ok {
		return "session_not_found", nil
	}
	text := GetString(params, "text", "")
	return t.binding.Text(ctx, sess.Channel, sess.ChatID, text, sess.ReplyTo), nil
}

// SendVoiceTool sends a voice file to the current chat.
type SendVoiceTool struct {
	binding *actions.Binding
}

// NewSendVoiceTool builds the tool over an actions binding.
func NewSendVoiceTool(binding *actions.Binding) *SendVoiceTool {
	return &SendVoiceTool{binding: binding}
}

func (t *SendVoiceTool) Name() string { return "messaging_send_voice" }

func (t *SendVoiceTool) Description() string {
	return "Send a prepared voice recording to the user in the current chat. file_path must point to an existing audio file."
}

func (t *SendVoiceTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path to the audio file to send.",
			},
		},
		"required":             []string{"file_path"},
		"additionalProperties": false,
	}
}

func (t *SendVoiceTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	sess, ok := session.From(ctx)
	if !ok {
		return "session_not_found", nil
	}
	filePath := GetString(params, "file_path", "")
	return t.binding.Voice(ctx, sess.Channel, sess.ChatID, filePath), nil
}

// SendReactionTool places an emoji reaction on the message being handled.
type SendReactionTool struct {
	binding *actions.Binding
}

// NewSendReactionTool builds the tool over an actions binding.
func NewSendReactionTool(binding *actions.Binding) *SendReactionTool {
	return &SendReactionTool{binding: binding}
}

func (t *SendReactionTool) Name() string { return "messaging_send_reaction" }

func (t *SendReactionTool) Description() string {
	return "React to the user's current message with a single emoji."
}

func (t *SendReactionTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"emoji": map[string]any{
				"type":        "string",
				"description": "Emoji to react with, e.g. \"👍\".",
			},
		},
		"required":             []string{"emoji"},
		"additionalProperties": false,
	}
}

func (t *SendReactionTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	sess, ok := session.From(ctx)
	if !ok {
		return "session_not_found", nil
	}
	emoji := GetString(params, "emoji", "")
	return t.binding.Reaction(ctx, sess.Channel, sess.ChatID, sess.ReplyTo, emoji), nil
}
