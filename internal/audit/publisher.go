// Package audit publishes tool invocations and assistant replies to
// Kafka for offline inspection. Publishing is best-effort: a broker
// outage never blocks or fails the conversation path.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const publishTimeout = 10 * time.Second

// ToolInvocationEvent is one executed tool call.
type ToolInvocationEvent struct {
	GlobalUserID string    `json:"global_user_id"`
	CallID       string    `json:"call_id"`
	ToolName     string    `json:"tool_name"`
	Arguments    string    `json:"arguments"`
	Output       string    `json:"output"`
	Timestamp    time.Time `json:"timestamp"`
}

// ReplyEvent is one assistant reply delivered to a user.
type ReplyEvent struct {
	GlobalUserID string    `json:"global_user_id"`
	Channel      string    `json:"channel"`
	Text         string    `json:"text"`
	ProviderID   string    `json:"provider_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher writes audit events. A nil Publisher or one built without
// brokers is inert.
type Publisher struct {
	invocations *kafka.Writer
	replies     *kafka.Writer
}

// NewPublisher builds a publisher over the given brokers. An empty
// broker list returns an inactive publisher.
func NewPublisher(brokers []string, topicPrefix string) *Publisher {
	if len(brokers) == 0 {
		return &Publisher{}
	}
	if topicPrefix == "" {
		topicPrefix = "amohub"
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		}
	}
	return &Publisher{
		invocations: newWriter(topicPrefix + ".tool_invocations"),
		replies:     newWriter(topicPrefix + ".replies"),
	}
}

// Active reports whether events will actually be published.
func (p *Publisher) Active() bool {
	return p != nil && p.invocations != nil
}

// PublishToolInvocation sends one tool invocation event.
func (p *Publisher) PublishToolInvocation(ctx context.Context, ev *ToolInvocationEvent) {
	if !p.Active() {
		return
	}
	p.publish(ctx, p.invocations, ev.GlobalUserID, ev)
}

// PublishReply sends one reply event.
func (p *Publisher) PublishReply(ctx context.Context, ev *ReplyEvent) {
	if !p.Active() {
		return
	}
	p.publish(ctx, p.replies, ev.GlobalUserID, ev)
}

func (p *Publisher) publish(ctx context.Context, w *kafka.Writer, key string, payload any) {
	value, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal audit event", "topic", w.Topic, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := w.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}); err != nil {
		slog.Warn("Audit publish failed", "topic", w.Topic, "error", err)
	}
}

// Close flushes and closes the underlying writers.
func (p *Publisher) Close() error {
	if !p.Active() {
		return nil
	}
	if err := p.invocations.Close(); err != nil {
		return err
	}
	return p.replies.Close()
}
