package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/amohub/amohub/internal/bus"
)

// Slack connects over Socket Mode, so no public webhook endpoint is
// required. It needs both an app-level token (xapp-) and a bot token
// (xoxb-).
type Slack struct {
	appToken string
	botToken string
	cancel   context.CancelFunc

	api       *slack.Client
	socket    *socketmode.Client
	botUserID string
}

// NewSlack creates a Slack connector.
func NewSlack(appToken, botToken string) *Slack {
	return &Slack{appToken: appToken, botToken: botToken}
}

func (s *Slack) Name() string    { return "Slack" }
func (s *Slack) Channel() string { return "slack" }

// Start authenticates, binds the outbound side and runs the Socket
// Mode event loop.
func (s *Slack) Start(ctx context.Context, b *bus.MessageBus) error {
	if !strings.HasPrefix(s.appToken, "xapp-") {
		return fmt.Errorf("slack: app token must start with xapp-")
	}
	if !strings.HasPrefix(s.botToken, "xoxb-") {
		return fmt.Errorf("slack: bot token must start with xoxb-")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.api = slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	auth, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	s.botUserID = auth.UserID
	slog.Info("Slack connected", "bot_user", auth.User, "team", auth.Team)

	s.socket = socketmode.New(s.api)
	BindOutbound(ctx, b, s)

	go s.eventLoop(ctx, b)
	go func() {
		if err := s.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Slack socket mode stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the event loop.
func (s *Slack) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Send posts a message; replyTo threads the reply under the original
// message timestamp.
func (s *Slack) Send(ctx context.Context, chatID, text, replyTo string) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if replyTo != "" {
		opts = append(opts, slack.MsgOptionTS(replyTo))
	}
	_, _, err := s.api.PostMessageContext(ctx, chatID, opts...)
	return err
}

// SimulateTyping waits out the estimated typing time. Slack has no
// typing indicator for bot tokens, so pacing is all we can do.
func (s *Slack) SimulateTyping(ctx context.Context, _ string, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (s *Slack) eventLoop(ctx context.Context, b *bus.MessageBus) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			if evt.Request != nil {
				s.socket.Ack(*evt.Request)
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok || apiEvent.Type != slackevents.CallbackEvent {
				continue
			}
			if msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				s.processMessage(b, msg)
			}
		}
	}
}

func (s *Slack) processMessage(b *bus.MessageBus, msg *slackevents.MessageEvent) {
	if msg == nil || msg.User == "" || msg.User == s.botUserID || msg.BotID != "" {
		return
	}
	// Edits, deletions, joins and the like carry a subtype.
	if msg.SubType != "" {
		return
	}

	b.PublishInbound(&bus.InboundMessage{
		Channel: "slack",
		ChatID:  msg.Channel,
		UserID:  msg.User,
		Text:    msg.Text,
		ReplyTo: msg.TimeStamp,
		Raw: map[string]any{
			"thread_ts":    msg.ThreadTimeStamp,
			"channel_type": msg.ChannelType,
		},
		Timestamp: slackEventTime(msg.TimeStamp),
	})
}

// slackEventTime parses the seconds part of a Slack ts ("1712345678.000200").
func slackEventTime(ts string) time.Time {
	sec, _, _ := strings.Cut(ts, ".")
	var unix int64
	if _, err := fmt.Sscanf(sec, "%d", &unix); err != nil || unix == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unix, 0).UTC()
}
