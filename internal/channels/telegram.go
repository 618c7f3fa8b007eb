package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/amohub/amohub/internal/bus"
)

// typingPulse is how often the typing action must be re-sent: Telegram
// clears the indicator after about five seconds.
const typingPulse = 4500 * time.Millisecond

// Telegram is a Bot API connector using long polling over plain HTTP.
type Telegram struct {
	token   string
	baseURL string
	client  *http.Client

	connected atomic.Bool
	offset    int64
	cancel    context.CancelFunc
}

// NewTelegram creates a Telegram connector.
func NewTelegram(token string) *Telegram {
	return &Telegram{
		token:   token,
		baseURL: "https://api.telegram.org/bot" + token,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *Telegram) Name() string    { return "Telegram" }
func (t *Telegram) Channel() string { return "telegram" }

// Start verifies the token, binds the outbound side and begins polling.
func (t *Telegram) Start(ctx context.Context, b *bus.MessageBus) error {
	if t.token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	ctx, t.cancel = context.WithCancel(ctx)

	me, err := t.getMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}
	slog.Info("Telegram connected", "bot", me.Username, "id", me.ID)
	t.connected.Store(true)

	BindOutbound(ctx, b, t)
	go t.pollLoop(ctx, b)
	return nil
}

// Stop stops the polling loop.
func (t *Telegram) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.connected.Store(false)
	return nil
}

// Send sends a text message, optionally as a reply.
func (t *Telegram) Send(ctx context.Context, chatID, text, replyTo string) error {
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", chatID, err)
	}
	payload := map[string]any{
		"chat_id": cid,
		"text":    text,
	}
	if replyTo != "" {
		if mid, e := strconv.ParseInt(replyTo, 10, 64); e == nil {
			payload["reply_parameters"] = map[string]any{"message_id": mid}
		}
	}
	_, err = t.apiCall(ctx, "sendMessage", payload)
	return err
}

// SimulateTyping pulses the typing chat action for the full duration.
func (t *Telegram) SimulateTyping(ctx context.Context, chatID string, d time.Duration) error {
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil
	}
	deadline := time.Now().Add(d)
	for {
		_, _ = t.apiCall(ctx, "sendChatAction", map[string]any{
			"chat_id": cid,
			"action":  "typing",
		})
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		wait := typingPulse
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// SendReaction places an emoji reaction on a message.
func (t *Telegram) SendReaction(ctx context.Context, chatID, messageID, emoji string) error {
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q", chatID)
	}
	mid, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id %q", messageID)
	}
	_, err = t.apiCall(ctx, "setMessageReaction", map[string]any{
		"chat_id":    cid,
		"message_id": mid,
		"reaction":   []map[string]string{{"type": "emoji", "emoji": emoji}},
	})
	return err
}

// SendVoice uploads and sends a voice file.
func (t *Telegram) SendVoice(ctx context.Context, chatID, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("telegram: read voice file: %w", err)
	}
	return t.uploadFile(ctx, chatID, "sendVoice", "voice", filepath.Base(filePath), data)
}

func (t *Telegram) pollLoop(ctx context.Context, b *bus.MessageBus) {
	slog.Info("Telegram polling started")
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			slog.Info("Telegram polling stopped")
			return
		default:
		}

		updates, err := t.getUpdates(ctx, t.offset, 100, 30)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Telegram getUpdates failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.processUpdate(ctx, b, u)
		}
	}
}

func (t *Telegram) processUpdate(ctx context.Context, b *bus.MessageBus, u tgUpdate) {
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}

	inbound := &bus.InboundMessage{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		UserID:    strconv.FormatInt(msg.From.ID, 10),
		Text:      msg.Text,
		ReplyTo:   strconv.Itoa(msg.MessageID),
		Timestamp: time.Unix(int64(msg.Date), 0).UTC(),
		Raw: map[string]any{
			"username":   msg.From.Username,
			"first_name": msg.From.FirstName,
			"last_name":  msg.From.LastName,
		},
	}
	if inbound.Text == "" && msg.Caption != "" {
		inbound.Text = msg.Caption
	}

	if msg.Voice != nil {
		path, err := t.downloadVoice(ctx, msg.Voice.FileID)
		if err != nil {
			slog.Error("Telegram voice download failed", "file_id", msg.Voice.FileID, "error", err)
		} else {
			inbound.VoicePath = path
		}
	}

	b.PublishInbound(inbound)
}

// downloadVoice fetches a voice file to a temp path for transcription.
func (t *Telegram) downloadVoice(ctx context.Context, fileID string) (string, error) {
	data, err := t.apiCall(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return "", err
	}
	var file struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return "", fmt.Errorf("telegram: parsing getFile: %w", err)
	}

	url := "https://api.telegram.org/file/bot" + t.token + "/" + file.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("telegram: voice download: %w", err)
	}
	defer resp.Body.Close()

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".ogg"
	}
	out, err := os.CreateTemp("", "amohub-voice-*"+ext)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

func (t *Telegram) uploadFile(ctx context.Context, chatID, method, field, filename string, data []byte) error {
	body := &bytes.Buffer{}
	boundary := fmt.Sprintf("amohub%d", time.Now().UnixNano())

	write := func(name, value string) {
		fmt.Fprintf(body, "--%s\r\nContent-Disposition: form-data; name=%q\r\n\r\n%s\r\n", boundary, name, value)
	}
	write("chat_id", chatID)
	fmt.Fprintf(body, "--%s\r\nContent-Disposition: form-data; name=%q; filename=%q\r\n", boundary, field, filename)
	body.WriteString("Content-Type: application/octet-stream\r\n\r\n")
	body.Write(data)
	fmt.Fprintf(body, "\r\n--%s--\r\n", boundary)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return nil
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64, limit, timeoutSec int) ([]tgUpdate, error) {
	data, err := t.apiCall(ctx, "getUpdates", map[string]any{
		"offset":  offset,
		"limit":   limit,
		"timeout": timeoutSec,
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

func (t *Telegram) getMe(ctx context.Context) (*tgUser, error) {
	data, err := t.apiCall(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user tgUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

// apiCall makes a POST request to the Bot API.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, reader)
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

type tgUpdate struct {
	UpdateID      int64      `json:"update_id"`
	Message       *tgMessage `json:"message"`
	EditedMessage *tgMessage `json:"edited_message"`
}

type tgMessage struct {
	MessageID int      `json:"message_id"`
	From      *tgUser  `json:"from"`
	Chat      tgChat   `json:"chat"`
	Date      int      `json:"date"`
	Text      string   `json:"text"`
	Caption   string   `json:"caption"`
	Voice     *tgVoice `json:"voice"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	IsBot     bool   `json:"is_bot"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type tgVoice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type"`
}
