package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/amohub/amohub/internal/bus"
)

const (
	vkAPIBase      = "https://api.vk.com/method/"
	vkAPIVersion   = "5.199"
	vkLongPollWait = 25
)

// VK is a community (group) connector using the Bots Long Poll API.
// One connector handles one community token; multiple communities run
// one connector each.
type VK struct {
	token  string
	client *http.Client
	cancel context.CancelFunc

	groupID int64
	server  string
	key     string
	ts      string
}

// NewVK creates a VK connector for one community token.
func NewVK(token string) *VK {
	return &VK{
		token:  token,
		client: &http.Client{Timeout: 40 * time.Second},
	}
}

func (v *VK) Name() string    { return "VK" }
func (v *VK) Channel() string { return "vk" }

// Start resolves the community, obtains a long-poll server, binds the
// outbound side and begins polling.
func (v *VK) Start(ctx context.Context, b *bus.MessageBus) error {
	if v.token == "" {
		return fmt.Errorf("vk: community token is required")
	}
	ctx, v.cancel = context.WithCancel(ctx)

	if err := v.resolveGroup(ctx); err != nil {
		return fmt.Errorf("vk: resolve community: %w", err)
	}
	if err := v.refreshLongPollServer(ctx); err != nil {
		return fmt.Errorf("vk: long poll server: %w", err)
	}
	slog.Info("VK connected", "group_id", v.groupID)

	BindOutbound(ctx, b, v)
	go v.pollLoop(ctx, b)
	return nil
}

// Stop stops the polling loop.
func (v *VK) Stop() error {
	if v.cancel != nil {
		v.cancel()
	}
	return nil
}

// Send delivers a text message via messages.send. VK deduplicates by
// random_id, so every send carries a fresh one.
func (v *VK) Send(ctx context.Context, chatID, text, replyTo string) error {
	params := url.Values{
		"peer_id":   {chatID},
		"message":   {text},
		"random_id": {strconv.FormatInt(rand.Int63(), 10)},
	}
	if replyTo != "" {
		params.Set("reply_to", replyTo)
	}
	_, err := v.apiCall(ctx, "messages.send", params)
	return err
}

// SimulateTyping pulses messages.setActivity; VK shows the indicator
// for roughly ten seconds per call.
func (v *VK) SimulateTyping(ctx context.Context, chatID string, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		_, _ = v.apiCall(ctx, "messages.setActivity", url.Values{
			"peer_id": {chatID},
			"type":    {"typing"},
		})
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		wait := 9 * time.Second
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

func (v *VK) resolveGroup(ctx context.Context) error {
	data, err := v.apiCall(ctx, "groups.getById", url.Values{})
	if err != nil {
		return err
	}
	var resp struct {
		Groups []struct {
			ID int64 `json:"id"`
		} `json:"groups"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("parse groups.getById: %w", err)
	}
	if len(resp.Groups) == 0 {
		return fmt.Errorf("token resolves to no community")
	}
	v.groupID = resp.Groups[0].ID
	return nil
}

func (v *VK) refreshLongPollServer(ctx context.Context) error {
	data, err := v.apiCall(ctx, "groups.getLongPollServer", url.Values{
		"group_id": {strconv.FormatInt(v.groupID, 10)},
	})
	if err != nil {
		return err
	}
	var resp struct {
		Server string `json:"server"`
		Key    string `json:"key"`
		TS     string `json:"ts"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("parse long poll server: %w", err)
	}
	v.server, v.key, v.ts = resp.Server, resp.Key, resp.TS
	return nil
}

func (v *VK) pollLoop(ctx context.Context, b *bus.MessageBus) {
	slog.Info("VK polling started", "group_id", v.groupID)
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			slog.Info("VK polling stopped", "group_id", v.groupID)
			return
		default:
		}

		events, err := v.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("VK poll failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			// A stale key or history loss requires a fresh server.
			if err := v.refreshLongPollServer(ctx); err != nil {
				slog.Warn("VK long poll refresh failed", "error", err)
			}
			continue
		}
		backoff = time.Second

		for _, ev := range events {
			v.processEvent(b, ev)
		}
	}
}

type vkEvent struct {
	Type   string          `json:"type"`
	Object json.RawMessage `json:"object"`
}

func (v *VK) poll(ctx context.Context) ([]vkEvent, error) {
	pollURL := fmt.Sprintf("%s?act=a_check&key=%s&ts=%s&wait=%d",
		v.server, url.QueryEscape(v.key), url.QueryEscape(v.ts), vkLongPollWait)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		TS      string    `json:"ts"`
		Updates []vkEvent `json:"updates"`
		Failed  int       `json:"failed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode long poll response: %w", err)
	}
	switch result.Failed {
	case 0:
		v.ts = result.TS
		return result.Updates, nil
	case 1:
		// Events partially lost; resume with the returned ts.
		v.ts = result.TS
		return nil, nil
	default:
		return nil, fmt.Errorf("long poll failed=%d, server refresh required", result.Failed)
	}
}

func (v *VK) processEvent(b *bus.MessageBus, ev vkEvent) {
	if ev.Type != "message_new" {
		return
	}
	var obj struct {
		Message struct {
			ID     int64  `json:"id"`
			FromID int64  `json:"from_id"`
			PeerID int64  `json:"peer_id"`
			Text   string `json:"text"`
			Date   int64  `json:"date"`
		} `json:"message"`
	}
	if err := json.Unmarshal(ev.Object, &obj); err != nil {
		slog.Warn("VK unparseable message_new event", "error", err)
		return
	}
	msg := obj.Message
	if msg.FromID <= 0 {
		// Outgoing or community-authored messages.
		return
	}

	b.PublishInbound(&bus.InboundMessage{
		Channel:   "vk",
		ChatID:    strconv.FormatInt(msg.PeerID, 10),
		UserID:    strconv.FormatInt(msg.FromID, 10),
		Text:      msg.Text,
		ReplyTo:   strconv.FormatInt(msg.ID, 10),
		Timestamp: time.Unix(msg.Date, 0).UTC(),
	})
}

// apiCall performs one VK API method call with token and version.
func (v *VK) apiCall(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	params.Set("access_token", v.token)
	params.Set("v", vkAPIVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, vkAPIBase+method,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("vk: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vk: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		Response json.RawMessage `json:"response"`
		Error    *struct {
			Code    int    `json:"error_code"`
			Message string `json:"error_msg"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("vk: decoding %s response: %w", method, err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("vk: %s: error %d: %s", method, result.Error.Code, result.Error.Message)
	}
	return result.Response, nil
}
