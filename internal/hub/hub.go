// Package hub is the message orchestrator: it consumes inbound messages
// from the bus, resolves identity, assembles AI context, runs the tool
// loop and delivers the reply back through the outbound path.
package hub

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amohub/amohub/internal/actions"
	"github.com/amohub/amohub/internal/agent"
	"github.com/amohub/amohub/internal/audit"
	"github.com/amohub/amohub/internal/bus"
	"github.com/amohub/amohub/internal/provider"
	"github.com/amohub/amohub/internal/session"
	"github.com/amohub/amohub/internal/storage"
)

// FallbackReply is sent when no AI collaborator is configured or the
// loop fails for one message.
const FallbackReply = "Sorry, I could not process your message right now. A colleague will get back to you shortly."

// CRMEngine is the funnel engine surface the hub needs. Nil means the
// CRM collaborator is not configured.
type CRMEngine interface {
	EnsureContactAndLead(ctx context.Context, sess *session.Session, msg *bus.InboundMessage) (*storage.CRMBinding, error)
	BuildStageSnapshot(ctx context.Context, globalUserID string) string
}

// Hub wires the conversation pipeline together.
type Hub struct {
	bus          *bus.MessageBus
	store        *storage.Service
	crm          CRMEngine
	loop         *agent.Loop
	transcriber  provider.LLMProvider
	publisher    *audit.Publisher
	systemPrompt string

	// One worker per (channel, chat) key keeps a conversation FIFO
	// while different conversations interleave.
	workersMu sync.Mutex
	workers   map[string]chan *bus.InboundMessage
	wg        sync.WaitGroup
}

// Options carries the optional collaborators.
type Options struct {
	CRM          CRMEngine
	Loop         *agent.Loop
	Transcriber  provider.LLMProvider
	Publisher    *audit.Publisher
	SystemPrompt string
}

// New creates a hub. Bus and store are required; everything in Options
// degrades gracefully when absent.
func New(b *bus.MessageBus, store *storage.Service, opts Options) *Hub {
	return &Hub{
		bus:          b,
		store:        store,
		crm:          opts.CRM,
		loop:         opts.Loop,
		transcriber:  opts.Transcriber,
		publisher:    opts.Publisher,
		systemPrompt: opts.SystemPrompt,
		workers:      make(map[string]chan *bus.InboundMessage),
	}
}

// Run consumes inbound messages until the context is cancelled, then
// waits for in-flight conversations to drain.
func (h *Hub) Run(ctx context.Context) error {
	for {
		msg, err := h.bus.ConsumeInbound(ctx)
		if err != nil {
			h.closeWorkers()
			h.wg.Wait()
			return err
		}
		h.enqueue(ctx, msg)
	}
}

func (h *Hub) enqueue(ctx context.Context, msg *bus.InboundMessage) {
	key := msg.Channel + "|" + msg.ChatID

	h.workersMu.Lock()
	ch, ok := h.workers[key]
	if !ok {
		ch = make(chan *bus.InboundMessage, 32)
		h.workers[key] = ch
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for m := range ch {
				h.ProcessMessage(ctx, m)
			}
		}()
	}
	h.workersMu.Unlock()

	// Block when the conversation's queue is full: inbound messages are
	// never dropped, and per-conversation FIFO is preserved.
	select {
	case ch <- msg:
	case <-ctx.Done():
	}
}

func (h *Hub) closeWorkers() {
	h.workersMu.Lock()
	defer h.workersMu.Unlock()
	for key, ch := range h.workers {
		close(ch)
		delete(h.workers, key)
	}
}

// ProcessMessage runs the full pipeline for one inbound message.
func (h *Hub) ProcessMessage(ctx context.Context, msg *bus.InboundMessage) {
	text := msg.Text
	if msg.VoicePath != "" {
		text = h.transcribeVoice(ctx, msg, text)
	}

	globalUserID, created, err := h.store.UpsertContact(msg.Channel, msg.UserID, msg.ChatID)
	if err != nil {
		slog.Error("Identity upsert failed, dropping message",
			"channel", msg.Channel, "user_id", msg.UserID, "error", err)
		return
	}
	if created {
		slog.Info("New contact registered", "channel", msg.Channel, "global_user_id", globalUserID)
	}

	if err := h.store.SaveMessage(&storage.MessageRecord{
		GlobalUserID: globalUserID,
		Channel:      msg.Channel,
		ChatID:       msg.ChatID,
		UserID:       msg.UserID,
		Direction:    storage.DirectionInbound,
		Text:         text,
		Timestamp:    msg.Timestamp,
	}); err != nil {
		slog.Error("Failed to persist inbound message", "global_user_id", globalUserID, "error", err)
	}

	sess := &session.Session{
		GlobalUserID: globalUserID,
		Channel:      msg.Channel,
		ChatID:       msg.ChatID,
		UserID:       msg.UserID,
		ReplyTo:      msg.ReplyTo,
	}
	ctx = session.With(ctx, sess)

	// CRM context is best-effort: any failure degrades to a plain chat.
	var crmSnapshot string
	if h.crm != nil {
		if _, err := h.crm.EnsureContactAndLead(ctx, sess, msg); err != nil {
			slog.Error("CRM binding failed, continuing without CRM context",
				"global_user_id", globalUserID, "error", err)
		} else {
			crmSnapshot = h.crm.BuildStageSnapshot(ctx, globalUserID)
		}
	}

	messages := h.assembleContext(globalUserID, text, crmSnapshot)

	replyText := FallbackReply
	providerID := ""
	sentByTool := false
	if h.loop != nil {
		result, err := h.loop.Run(ctx, messages)
		if err != nil {
			slog.Error("AI loop failed, sending fallback reply",
				"global_user_id", globalUserID, "error", err)
		} else {
			replyText = result.Text
			providerID = result.ProviderID
			h.persistToolEvents(ctx, sess, result.Events)
			sentByTool = deliveredByTool(result.Events)
			if strings.TrimSpace(replyText) == "" && !sentByTool {
				slog.Error("AI loop produced no reply, sending fallback",
					"global_user_id", globalUserID)
				replyText = FallbackReply
			}
		}
	}

	if err := h.store.SaveAIResponse(globalUserID, replyText, providerID); err != nil {
		slog.Error("Failed to persist AI response", "global_user_id", globalUserID, "error", err)
	}

	// The reply already reached the user when the model called the
	// send_text tool; pushing the closing text too would double-deliver.
	if !sentByTool {
		h.Deliver(ctx, sess, replyText, providerID)
	}
}

// sendTextToolName is the registry name of the tool whose successful
// invocation counts as delivery of the reply.
const sendTextToolName = "messaging_send_text"

func deliveredByTool(events []agent.ToolEvent) bool {
	for _, ev := range events {
		if ev.Name == sendTextToolName && ev.Output == actions.ResultOK {
			return true
		}
	}
	return false
}

func (h *Hub) transcribeVoice(ctx context.Context, msg *bus.InboundMessage, fallback string) string {
	if h.transcriber == nil {
		slog.Warn("Voice message received but no transcriber configured", "channel", msg.Channel)
		return fallback
	}
	resp, err := h.transcriber.Transcribe(ctx, &provider.AudioRequest{FilePath: msg.VoicePath})
	if err != nil {
		slog.Error("Voice transcription failed", "path", msg.VoicePath, "error", err)
		return fallback
	}
	return resp.Text
}

// assembleContext builds the system message plus the persisted history
// re-expressed as alternating turns. When history cannot be read the
// context is seeded with just the current text.
func (h *Hub) assembleContext(globalUserID, currentText, crmSnapshot string) []provider.Message {
	system := h.systemPrompt
	if crmSnapshot != "" {
		system = strings.TrimSpace(system + "\n\n" + crmSnapshot)
	}
	messages := []provider.Message{{Role: "system", Content: system}}

	history, err := h.store.GetAllMessages(globalUserID)
	if err != nil || len(history) == 0 {
		if err != nil {
			slog.Error("History unavailable, seeding with current message",
				"global_user_id", globalUserID, "error", err)
		}
		return append(messages, provider.Message{Role: "user", Content: currentText})
	}

	for _, rec := range history {
		role := "user"
		if rec.Direction == storage.DirectionOutbound {
			role = "assistant"
		}
		messages = append(messages, provider.Message{Role: role, Content: rec.Text})
	}
	return messages
}

func (h *Hub) persistToolEvents(ctx context.Context, sess *session.Session, events []agent.ToolEvent) {
	for _, ev := range events {
		now := time.Now().UTC()
		if err := h.store.SaveToolInvocation(&storage.ToolInvocation{
			GlobalUserID: sess.GlobalUserID,
			Channel:      sess.Channel,
			ChatID:       sess.ChatID,
			UserID:       sess.UserID,
			ToolName:     ev.Name,
			Arguments:    ev.Arguments,
			Output:       ev.Output,
			CallID:       ev.CallID,
			Timestamp:    now,
		}); err != nil {
			slog.Error("Failed to persist tool invocation",
				"tool", ev.Name, "call_id", ev.CallID, "error", err)
		}
		h.publisher.PublishToolInvocation(ctx, &audit.ToolInvocationEvent{
			GlobalUserID: sess.GlobalUserID,
			CallID:       ev.CallID,
			ToolName:     ev.Name,
			Arguments:    ev.Arguments,
			Output:       ev.Output,
			Timestamp:    now,
		})
	}
}

// Deliver persists an outbound message and publishes it on the bus.
// Tool-driven sends and final replies share this path.
func (h *Hub) Deliver(ctx context.Context, sess *session.Session, text, providerID string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	correlationID := uuid.NewString()
	if err := h.store.SaveMessage(&storage.MessageRecord{
		GlobalUserID:  sess.GlobalUserID,
		Channel:       sess.Channel,
		ChatID:        sess.ChatID,
		UserID:        sess.UserID,
		Direction:     storage.DirectionOutbound,
		Text:          text,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}); err != nil {
		slog.Error("Failed to persist outbound message",
			"global_user_id", sess.GlobalUserID, "error", err)
	}

	h.bus.PublishOutbound(&bus.OutboundMessage{
		Channel:       sess.Channel,
		ChatID:        sess.ChatID,
		Text:          text,
		ReplyTo:       sess.ReplyTo,
		CorrelationID: correlationID,
	})

	h.publisher.PublishReply(ctx, &audit.ReplyEvent{
		GlobalUserID: sess.GlobalUserID,
		Channel:      sess.Channel,
		Text:         text,
		ProviderID:   providerID,
		Timestamp:    time.Now().UTC(),
	})
}

// SendText is the actions-binding capability: it routes tool-driven
// sends through the same persist-then-publish path as final replies.
func (h *Hub) SendText(ctx context.Context, channel, chatID, text, replyTo string) error {
	sess, ok := session.From(ctx)
	if !ok {
		sess = &session.Session{Channel: channel, ChatID: chatID, ReplyTo: replyTo}
	}
	h.Deliver(ctx, sess, text, "")
	return nil
}
