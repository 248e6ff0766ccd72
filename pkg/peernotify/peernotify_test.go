package peernotify

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/loom/pkg/wgkey"
)

func TestPeerAddedStrictlyBeforePeerRemoved(t *testing.T) {
	hub := New(nil)
	weaver := wgkey.WeaverID{}
	sub := hub.Subscribe(weaver)
	defer sub.Close()

	sessionID, err := wgkey.NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}

	hub.Publish(weaver, Event{Type: EventPeerAdded, SessionID: sessionID, AllowedIP: "fd7a:115c:a1e0:2::1"})
	hub.Publish(weaver, Event{Type: EventPeerRemoved, SessionID: sessionID})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev1, _, ok := sub.Next(ctx)
	if !ok || ev1.Type != EventPeerAdded || ev1.SessionID != sessionID {
		t.Fatalf("expected PeerAdded first, got %+v ok=%v", ev1, ok)
	}

	ev2, _, ok := sub.Next(ctx)
	if !ok || ev2.Type != EventPeerRemoved || ev2.SessionID != sessionID {
		t.Fatalf("expected PeerRemoved second, got %+v ok=%v", ev2, ok)
	}
}

func TestSubscribeUnsubscribeRemovesSubscriber(t *testing.T) {
	hub := New(nil)
	weaver := wgkey.WeaverID{}
	sub := hub.Subscribe(weaver)
	if got := hub.SubscriberCount(weaver); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}
	sub.Close()
	if got := hub.SubscriberCount(weaver); got != 0 {
		t.Fatalf("expected 0 subscribers after close, got %d", got)
	}
}

func TestSlowSubscriberGetsLagSignalNotBlock(t *testing.T) {
	hub := New(nil)
	weaver := wgkey.WeaverID{}
	sub := hub.Subscribe(weaver)
	defer sub.Close()

	// Flood past the buffer without draining; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			sid, _ := wgkey.NewSessionID()
			hub.Publish(weaver, Event{Type: EventPeerAdded, SessionID: sid})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < subscriberBuffer; i++ {
		_, resync, ok := sub.Next(ctx)
		if !ok {
			break
		}
		if resync {
			return
		}
	}
	t.Fatal("expected a lag/resync signal after overflowing the subscriber buffer")
}
