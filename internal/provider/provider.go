// Package provider implements LLM provider interfaces and clients.
package provider

import (
	"context"
)

// LLMProvider is the interface for LLM API clients.
type LLMProvider interface {
	// Chat sends a completion request and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// Transcribe converts audio to text.
	Transcribe(ctx context.Context, req *AudioRequest) (*AudioResponse, error)
	// DefaultModel returns the configured default model.
	DefaultModel() string
}

// AudioRequest contains parameters for transcription.
type AudioRequest struct {
	FilePath string
	Model    string
}

// AudioResponse contains the transcribed text.
type AudioResponse struct {
	Text string
}

// ChatRequest contains the parameters for a chat completion request.
type ChatRequest struct {
	Messages    []Message
	Tools       []map[string]any
	Model       string
	MaxTokens   int
	Temperature float64
}

// ChatResponse contains the response from a chat completion request.
// ProviderID is the upstream message/completion id kept for audit.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	ProviderID   string
	Usage        Usage
}

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is one function call requested by the LLM. Arguments is the
// raw JSON payload as produced by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage contains token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
