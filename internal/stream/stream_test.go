package stream

import (
	"context"
	"testing"
	"time"

	"github.com/Mohan-38/docgrant/internal/grant"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)

	s.Publish(grant.Attempt{ID: "a1", Identity: "buyer@example.com"})

	for _, ch := range []<-chan grant.Attempt{a, b} {
		select {
		case got := <-ch:
			if got.ID != "a1" {
				t.Fatalf("unexpected event: %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive the event")
		}
	}
}

func TestCancelledSubscriberIsRemoved(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())

	ch := s.Subscribe(ctx)
	cancel()

	// The channel closes once the unsubscribe goroutine runs.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("channel was not closed after cancel")
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	for i := 0; i < 40; i++ {
		s.Publish(grant.Attempt{ID: "flood"})
	}
	// Buffer holds 16; the rest were dropped and Publish never blocked.
	if len(ch) != 16 {
		t.Fatalf("expected a full buffer, got %d", len(ch))
	}
}
