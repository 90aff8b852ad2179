package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1", "app-1")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		UserID:    "user-1",
		AppID:     "app-1",
		EventType: RealtimeEventSubmission,
		Position:  "3",
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventSubmission {
			t.Fatalf("expected event type %s, got %s", RealtimeEventSubmission, received.EventType)
		}
		if received.Position != "3" {
			t.Fatalf("expected position 3, got %s", received.Position)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByUserAndApp(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2", "")
	defer cleanup()
	otherAppStream, otherAppCleanup := dispatcher.Subscribe(ctx, "user-3", "notes")
	defer otherAppCleanup()
	matchingStream, matchingCleanup := dispatcher.Subscribe(ctx, "user-3", "life")
	defer matchingCleanup()

	dispatcher.Publish(RealtimeMessage{
		UserID:    "user-3",
		AppID:     "life",
		EventType: RealtimeEventSubmission,
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-userStream:
		t.Fatal("did not expect realtime message for unrelated user")
	case <-otherAppStream:
		t.Fatal("did not expect realtime message for unrelated app")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-matchingStream:
		if msg.UserID != "user-3" || msg.AppID != "life" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed app")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := dispatcher.Subscribe(ctx, "user-4", "")
	defer cleanup()
	if dispatcher.subscriberCount("user-4") != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.subscriberCount("user-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
