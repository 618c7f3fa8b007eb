package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amohub/amohub/internal/bus"
)

func TestTypingDuration(t *testing.T) {
	cases := []struct {
		name string
		text string
		want time.Duration
	}{
		{"empty uses floor", "", 300 * time.Millisecond},
		{"short uses floor", "ok", 300 * time.Millisecond},
		{"330 chars is one minute", repeat('a', 330), time.Minute},
		{"cyrillic counted as runes", repeat('ж', 33), 6 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TypingDuration(tc.text)
			if got != tc.want {
				t.Fatalf("TypingDuration(%d runes) = %v, want %v", len([]rune(tc.text)), got, tc.want)
			}
		})
	}
}

func TestTypingDurationScalesWithLength(t *testing.T) {
	short := TypingDuration(repeat('a', 100))
	long := TypingDuration(repeat('a', 400))
	if long <= short {
		t.Fatalf("long text should take longer: short=%v long=%v", short, long)
	}
}

type stubConnector struct {
	mu    sync.Mutex
	typed []time.Duration
	sent  []string
}

func (s *stubConnector) Name() string    { return "stub" }
func (s *stubConnector) Channel() string { return "stub" }
func (s *stubConnector) Stop() error     { return nil }

func (s *stubConnector) Start(context.Context, *bus.MessageBus) error { return nil }

func (s *stubConnector) Send(_ context.Context, chatID, text, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *stubConnector) SimulateTyping(_ context.Context, _ string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typed = append(s.typed, d)
	return nil
}

func (s *stubConnector) snapshot() ([]time.Duration, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.typed...), append([]string(nil), s.sent...)
}

func TestBindOutboundTypesThenSends(t *testing.T) {
	b := bus.NewMessageBus()
	c := &stubConnector{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	BindOutbound(ctx, b, c)
	go func() { _ = b.DispatchOutbound(ctx) }()

	b.PublishOutbound(&bus.OutboundMessage{Channel: "stub", ChatID: "c1", Text: "hello there"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, sent := c.snapshot(); len(sent) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	typed, sent := c.snapshot()
	if len(sent) != 1 || sent[0] != "hello there" {
		t.Fatalf("sent = %v", sent)
	}
	if len(typed) != 1 || typed[0] != TypingDuration("hello there") {
		t.Fatalf("typed = %v", typed)
	}
}

// slowConnector sleeps out the requested typing duration, like a real
// platform connector would.
type slowConnector struct {
	mu   sync.Mutex
	sent []string
}

func (s *slowConnector) Name() string    { return "slow" }
func (s *slowConnector) Channel() string { return "slow" }
func (s *slowConnector) Stop() error     { return nil }

func (s *slowConnector) Start(context.Context, *bus.MessageBus) error { return nil }

func (s *slowConnector) Send(_ context.Context, chatID, text, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, chatID+":"+text)
	return nil
}

func (s *slowConnector) SimulateTyping(ctx context.Context, _ string, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (s *slowConnector) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestBindOutboundConversationsDoNotSerialize(t *testing.T) {
	b := bus.NewMessageBus()
	c := &slowConnector{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	BindOutbound(ctx, b, c)
	go func() { _ = b.DispatchOutbound(ctx) }()

	// Five chats, each at the 300ms typing floor. Sequential delivery
	// would take 1.5s; per-chat senders finish together.
	start := time.Now()
	for i := 0; i < 5; i++ {
		b.PublishOutbound(&bus.OutboundMessage{
			Channel: "slow",
			ChatID:  string(rune('a' + i)),
			Text:    "hi",
		})
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && c.sentCount() < 5 {
		time.Sleep(5 * time.Millisecond)
	}
	elapsed := time.Since(start)
	if c.sentCount() != 5 {
		t.Fatalf("sent = %d after %v", c.sentCount(), elapsed)
	}
	if elapsed >= time.Second {
		t.Fatalf("deliveries serialized: 5 chats took %v", elapsed)
	}
}

func TestBindOutboundSameChatStaysOrdered(t *testing.T) {
	b := bus.NewMessageBus()
	c := &slowConnector{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	BindOutbound(ctx, b, c)
	go func() { _ = b.DispatchOutbound(ctx) }()

	for _, text := range []string{"first", "second", "third"} {
		b.PublishOutbound(&bus.OutboundMessage{Channel: "slow", ChatID: "c1", Text: text})
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && c.sentCount() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	want := []string{"c1:first", "c1:second", "c1:third"}
	if len(c.sent) != len(want) {
		t.Fatalf("sent = %v", c.sent)
	}
	for i := range want {
		if c.sent[i] != want[i] {
			t.Fatalf("sent = %v, want %v", c.sent, want)
		}
	}
}

func TestSlackEventTime(t *testing.T) {
	ts := slackEventTime("1712345678.000200")
	if ts.Unix() != 1712345678 {
		t.Fatalf("unix = %d", ts.Unix())
	}
	if got := slackEventTime("garbage"); time.Since(got) > time.Minute {
		t.Fatalf("fallback should be near now, got %v", got)
	}
}

func repeat(r rune, n int) string {
	runes := make([]rune, n)
	for i := range runes {
		runes[i] = r
	}
	return string(runes)
}
