package stream

import (
	"context"
	"testing"
	"time"
)

func TestHubFanout(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := hub.Subscribe(ctx)

	evt := NewEvent(EventThreadIdle)
	evt.ThreadID = "th_1"
	if err := hub.Write(context.Background(), evt); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-sub:
		if got.Type != EventThreadIdle || got.ThreadID != "th_1" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event")
	}
}

func TestHubCloseClosesSubscribers(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(context.Background())

	if err := hub.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-sub:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for close")
	}

	// Closing again and writing after close are no-ops.
	if err := hub.Close(context.Background()); err != nil {
		t.Fatalf("double close: %v", err)
	}
	if err := hub.Write(context.Background(), NewEvent(EventThreadIdle)); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	if hub.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers after close")
	}
}

func TestHubSubscribeAfterClose(t *testing.T) {
	hub := NewHub()
	_ = hub.Close(context.Background())
	sub := hub.Subscribe(context.Background())
	if _, ok := <-sub; ok {
		t.Fatalf("expected immediately closed channel")
	}
}

func TestHubUnsubscribeOnContextCancel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	sub := hub.Subscribe(ctx)
	cancel()

	deadline := time.After(2 * time.Second)
	for hub.SubscriberCount() != 0 {
		select {
		case <-deadline:
			t.Fatalf("subscriber not removed after cancel")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if _, ok := <-sub; ok {
		t.Fatalf("expected closed channel after cancel")
	}
}

func TestSentinelIsNotATaxonomyEvent(t *testing.T) {
	if _, err := ParseEvent(Sentinel()); err == nil {
		t.Fatalf("sentinel must not parse as a taxonomy event")
	}
}
