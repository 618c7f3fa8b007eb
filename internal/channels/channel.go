// Package channels implements the messaging connectors (Telegram, VK,
// Slack, WhatsApp). Each connector turns platform events into bus
// inbound messages and subscribes to the outbound side for delivery.
package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/amohub/amohub/internal/bus"
)

// Connector is the interface every messaging channel implements.
type Connector interface {
	// Name returns a human-readable connector name.
	Name() string
	// Channel returns the channel key used on bus messages.
	Channel() string
	// Start connects to the platform and begins forwarding messages.
	Start(ctx context.Context, b *bus.MessageBus) error
	// Stop disconnects the connector.
	Stop() error
	// Send delivers a text message to a chat.
	Send(ctx context.Context, chatID, text, replyTo string) error
	// SimulateTyping shows a typing indicator for the given duration.
	SimulateTyping(ctx context.Context, chatID string, d time.Duration) error
}

const (
	typingCharsPerMinute = 330
	typingFloor          = 300 * time.Millisecond
)

// TypingDuration estimates how long a human would type the reply.
func TypingDuration(text string) time.Duration {
	chars := utf8.RuneCountInString(text)
	d := time.Duration(float64(chars) * float64(time.Minute) / typingCharsPerMinute)
	if d < typingFloor {
		return typingFloor
	}
	return d
}

// BindOutbound subscribes a connector to its channel's outbound
// messages: simulate typing for the estimated duration, then send.
// Each chat gets its own sender goroutine so one conversation's typing
// delay never holds up another; sends within a chat stay ordered.
func BindOutbound(ctx context.Context, b *bus.MessageBus, c Connector) {
	d := &outboundDispatcher{
		conn:   c,
		queues: make(map[string]chan *bus.OutboundMessage),
	}
	b.Subscribe(c.Channel(), func(msg *bus.OutboundMessage) {
		d.dispatch(ctx, msg)
	})
}

type outboundDispatcher struct {
	conn   Connector
	mu     sync.Mutex
	queues map[string]chan *bus.OutboundMessage
}

func (d *outboundDispatcher) dispatch(ctx context.Context, msg *bus.OutboundMessage) {
	d.mu.Lock()
	q, ok := d.queues[msg.ChatID]
	if !ok {
		q = make(chan *bus.OutboundMessage, 16)
		d.queues[msg.ChatID] = q
		go d.drain(ctx, q)
	}
	d.mu.Unlock()

	select {
	case q <- msg:
	case <-ctx.Done():
	}
}

func (d *outboundDispatcher) drain(ctx context.Context, q chan *bus.OutboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q:
			_ = d.conn.SimulateTyping(ctx, msg.ChatID, TypingDuration(msg.Text))
			if err := d.conn.Send(ctx, msg.ChatID, msg.Text, msg.ReplyTo); err != nil {
				slog.Error("Outbound send failed",
					"connector", d.conn.Name(), "chat_id", msg.ChatID, "error", err)
			}
		}
	}
}
