package audit

import (
	"context"
	"testing"
	"time"
)

func TestInactivePublisherIsSafe(t *testing.T) {
	p := NewPublisher(nil, "amohub")
	if p.Active() {
		t.Fatal("publisher without brokers must be inactive")
	}

	// All operations are no-ops, including on a nil publisher.
	p.PublishToolInvocation(context.Background(), &ToolInvocationEvent{CallID: "c1"})
	p.PublishReply(context.Background(), &ReplyEvent{Text: "hi", Timestamp: time.Now()})
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	var nilPub *Publisher
	if nilPub.Active() {
		t.Fatal("nil publisher must be inactive")
	}
	nilPub.PublishReply(context.Background(), &ReplyEvent{})
}

func TestActivePublisherTopics(t *testing.T) {
	p := NewPublisher([]string{"localhost:9092"}, "")
	if !p.Active() {
		t.Fatal("publisher with brokers must be active")
	}
	if p.invocations.Topic != "amohub.tool_invocations" {
		t.Fatalf("topic = %q", p.invocations.Topic)
	}
	if p.replies.Topic != "amohub.replies" {
		t.Fatalf("topic = %q", p.replies.Topic)
	}
	_ = p.Close()
}
