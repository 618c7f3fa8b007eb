package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "modernc.org/sqlite"

	"github.com/amohub/amohub/internal/bus"
)

// WhatsApp is a native client connector built on whatsmeow. The device
// session lives in its own sqlite database; first start requires
// scanning a pairing QR code.
type WhatsApp struct {
	dbPath    string
	client    *whatsmeow.Client
	container *sqlstore.Container
	mbus      *bus.MessageBus
}

// NewWhatsApp creates a WhatsApp connector storing its session at dbPath.
func NewWhatsApp(dbPath string) *WhatsApp {
	return &WhatsApp{dbPath: dbPath}
}

func (w *WhatsApp) Name() string    { return "WhatsApp" }
func (w *WhatsApp) Channel() string { return "whatsapp" }

// Start opens the device store, pairs if there is no stored session and
// begins forwarding events.
func (w *WhatsApp) Start(ctx context.Context, b *bus.MessageBus) error {
	if w.dbPath == "" {
		return fmt.Errorf("whatsapp: session db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(w.dbPath), 0o755); err != nil {
		return fmt.Errorf("whatsapp: session dir: %w", err)
	}

	dbLog := waLog.Stdout("Database", "WARN", true)
	container, err := sqlstore.New(ctx, "sqlite",
		"file:"+w.dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return fmt.Errorf("whatsapp: open session db: %w", err)
	}
	w.container = container

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: device store: %w", err)
	}

	w.mbus = b
	w.client = whatsmeow.NewClient(device, waLog.Stdout("Client", "WARN", true))
	w.client.AddEventHandler(w.handleEvent)

	if w.client.Store.ID == nil {
		if err := w.pair(ctx); err != nil {
			return err
		}
	} else if err := w.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	slog.Info("WhatsApp connected")

	BindOutbound(ctx, b, w)
	return nil
}

// pair runs the QR login flow: the code is printed and also written as
// a PNG next to the session database.
func (w *WhatsApp) pair(ctx context.Context) error {
	qrChan, _ := w.client.GetQRChannel(ctx)
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect for pairing: %w", err)
	}

	qrPath := filepath.Join(filepath.Dir(w.dbPath), "whatsapp-qr.png")
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, qrPath); err != nil {
				slog.Warn("Failed to write pairing QR image", "error", err)
			}
			fmt.Printf("WhatsApp pairing QR saved to %s — scan it with your phone.\n", qrPath)
		case "success":
			slog.Info("WhatsApp pairing complete")
			return nil
		default:
			slog.Info("WhatsApp pairing event", "event", evt.Event)
		}
	}
	return fmt.Errorf("whatsapp: pairing channel closed before success")
}

// Stop disconnects the client and closes the session store.
func (w *WhatsApp) Stop() error {
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.container != nil {
		_ = w.container.Close()
	}
	return nil
}

// Send delivers a plain text message to a JID.
func (w *WhatsApp) Send(ctx context.Context, chatID, text, _ string) error {
	if w.client == nil {
		return fmt.Errorf("whatsapp: client not started")
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid jid %q: %w", chatID, err)
	}
	_, err = w.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

// SimulateTyping publishes a composing presence for the duration.
func (w *WhatsApp) SimulateTyping(ctx context.Context, chatID string, d time.Duration) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return err
	}
	_ = w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
	defer func() {
		_ = w.client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (w *WhatsApp) handleEvent(evt interface{}) {
	msg, ok := evt.(*events.Message)
	if !ok || msg.Info.IsFromMe {
		return
	}

	text := msg.Message.GetConversation()
	if text == "" {
		text = msg.Message.GetExtendedTextMessage().GetText()
	}

	voicePath := ""
	if audio := msg.Message.GetAudioMessage(); audio != nil {
		voicePath = w.downloadVoice(msg.Info.ID, audio)
	}
	if text == "" && voicePath == "" {
		return
	}

	w.mbus.PublishInbound(&bus.InboundMessage{
		Channel:   "whatsapp",
		ChatID:    msg.Info.Chat.String(),
		UserID:    msg.Info.Sender.User,
		Text:      text,
		VoicePath: voicePath,
		ReplyTo:   msg.Info.ID,
		Raw: map[string]any{
			"push_name": msg.Info.PushName,
		},
		Timestamp: msg.Info.Timestamp.UTC(),
	})
}

func (w *WhatsApp) downloadVoice(messageID string, audio *waE2E.AudioMessage) string {
	data, err := w.client.Download(context.Background(), audio)
	if err != nil {
		slog.Error("WhatsApp voice download failed", "message_id", messageID, "error", err)
		return ""
	}
	ext := ".ogg"
	if strings.Contains(audio.GetMimetype(), "mp4") {
		ext = ".m4a"
	}
	f, err := os.CreateTemp("", "amohub-voice-*"+ext)
	if err != nil {
		slog.Error("WhatsApp voice temp file failed", "error", err)
		return ""
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		slog.Error("WhatsApp voice write failed", "path", f.Name(), "error", err)
		return ""
	}
	return f.Name()
}
