package bus

import (
	"context"
	"testing"
	"time"
)

func TestInboundMessage_Helpers(t *testing.T) {
	msg := InboundMessage{Channel: "telegram", ChatID: "42", Content: "/imagine a cat"}
	if msg.SessionKey() != "telegram:42" {
		t.Errorf("SessionKey = %q, want telegram:42", msg.SessionKey())
	}
	if !msg.IsCommand() {
		t.Error("expected command")
	}
	if msg.LargestPhoto() != "" {
		t.Error("expected no photo")
	}
	msg.Photos = []string{"small", "large"}
	if msg.LargestPhoto() != "large" {
		t.Errorf("LargestPhoto = %q, want large", msg.LargestPhoto())
	}
	msg.Content = ""
	if msg.IsCommand() {
		t.Error("empty content is not a command")
	}
}

func TestMessageBus_DispatchOutbound(t *testing.T) {
	b := NewMessageBus(10)
	got := make(chan OutboundMessage, 1)
	b.SubscribeOutbound("telegram", func(msg OutboundMessage) { got <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	if err := b.PublishOutbound(ctx, OutboundMessage{Channel: "cli", Content: "dropped"}); err != nil {
		t.Fatalf("PublishOutbound error: %v", err)
	}
	if err := b.PublishOutbound(ctx, OutboundMessage{Channel: "telegram", Content: "hi"}); err != nil {
		t.Fatalf("PublishOutbound error: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Content != "hi" {
			t.Errorf("content = %q, want hi", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestMessageBus_PublishCancelled(t *testing.T) {
	b := NewMessageBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.PublishInbound(ctx, InboundMessage{}); err == nil {
		t.Error("expected error on cancelled context")
	}
	if err := b.PublishOutbound(ctx, OutboundMessage{}); err == nil {
		t.Error("expected error on cancelled context")
	}
}
