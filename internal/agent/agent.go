// Package agent runs the bounded multi-round tool loop between the LLM
// and the tool registry.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/amohub/amohub/internal/provider"
	"github.com/amohub/amohub/internal/tools"
)

// DefaultMaxRounds bounds the tool loop when config does not set one.
const DefaultMaxRounds = 8

// ToolEvent records one executed tool call for persistence and audit.
type ToolEvent struct {
	CallID    string
	Name      string
	Arguments string
	Output    string
}

// Result is the outcome of one completed loop.
type Result struct {
	Text       string
	ProviderID string
	Events     []ToolEvent
}

// Loop drives one conversation pass: model call, tool execution,
// repeat, until the model answers in plain text or the round budget
// runs out.
type Loop struct {
	llm         provider.LLMProvider
	registry    *tools.Registry
	model       string
	maxRounds   int
	maxTokens   int
	temperature float64
}

// NewLoop builds a loop. maxRounds <= 0 falls back to DefaultMaxRounds.
func NewLoop(llm provider.LLMProvider, registry *tools.Registry, model string, maxRounds int) *Loop {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	if model == "" {
		model = llm.DefaultModel()
	}
	return &Loop{
		llm:         llm,
		registry:    registry,
		model:       model,
		maxRounds:   maxRounds,
		maxTokens:   4096,
		temperature: 0.7,
	}
}

// Tune overrides the sampling parameters sent on every request. Zero
// values keep the current setting.
func (l *Loop) Tune(maxTokens int, temperature float64) {
	if maxTokens > 0 {
		l.maxTokens = maxTokens
	}
	if temperature > 0 {
		l.temperature = temperature
	}
}

// Run executes the loop over the prepared message history. The caller
// owns the history; tool rounds are appended internally.
func (l *Loop) Run(ctx context.Context, messages []provider.Message) (*Result, error) {
	toolDefs := l.registry.Definitions()
	result := &Result{}

	for round := 0; round < l.maxRounds; round++ {
		start := time.Now()
		resp, err := l.llm.Chat(ctx, &provider.ChatRequest{
			Messages:    messages,
			Tools:       toolDefs,
			Model:       l.model,
			MaxTokens:   l.maxTokens,
			Temperature: l.temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("LLM call failed: %w", err)
		}
		result.ProviderID = resp.ProviderID
		slog.Debug("LLM round completed",
			"round", round, "tool_calls", len(resp.ToolCalls),
			"tokens", resp.Usage.TotalTokens, "duration_ms", time.Since(start).Milliseconds())

		if len(resp.ToolCalls) == 0 {
			result.Text = resp.Content
			return result, nil
		}

		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			output := l.registry.Dispatch(ctx, tc.Name, tc.Arguments)
			result.Events = append(result.Events, ToolEvent{
				CallID:    tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
				Output:    output,
			})
			messages = append(messages, provider.Message{
				Role:       "tool",
				Content:    output,
				ToolCallID: tc.ID,
			})
			slog.Debug("Tool executed", "name", tc.Name, "result_length", len(output))
		}
	}

	return nil, fmt.Errorf("tool loop exhausted after %d rounds without a text reply", l.maxRounds)
}
