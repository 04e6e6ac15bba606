package stream

import (
	"context"
	"sync"

	"github.com/Mohan-38/docgrant/internal/grant"
)

// Stream fan-outs verification attempts to all active subscribers (the admin
// SSE monitor). Slow subscribers lose events rather than block the
// verification path.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan grant.Attempt
	next int
}

var _ grant.AttemptSink = (*Stream)(nil)

func New() *Stream {
	return &Stream{subs: make(map[int]chan grant.Attempt)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan grant.Attempt {
	ch := make(chan grant.Attempt, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt grant.Attempt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Record implements the attempt sink, so the stream can ride the same
// fan-out the audit recorder uses.
func (s *Stream) Record(_ context.Context, a grant.Attempt) {
	s.Publish(a)
}
