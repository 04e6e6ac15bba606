package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Mohan-38/docgrant/internal/ids"
)

var errNoSuchMessage = errors.New("notify: no such message")

type leasedMessage struct {
	msg        Message
	claimToken string
	claimUntil time.Time
}

// MemoryOutbox is a mutex-guarded OutboxStore for tests and dev mode.
type MemoryOutbox struct {
	mu   sync.Mutex
	msgs map[string]*leasedMessage
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{msgs: make(map[string]*leasedMessage)}
}

func (s *MemoryOutbox) Enqueue(ctx context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = ids.New()
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	s.msgs[m.ID] = &leasedMessage{msg: m}
	return nil
}

func (s *MemoryOutbox) Claim(ctx context.Context, limit int, claimToken string, now time.Time, lease time.Duration) ([]Message, error) {
	if limit <= 0 || claimToken == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*leasedMessage
	for _, lm := range s.msgs {
		if lm.msg.Status != StatusPending {
			continue
		}
		if lm.msg.NextAttemptAt.After(now) {
			continue
		}
		if lm.claimToken != "" && lm.claimUntil.After(now) {
			continue
		}
		due = append(due, lm)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].msg.NextAttemptAt.Before(due[j].msg.NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]Message, 0, len(due))
	for _, lm := range due {
		lm.claimToken = claimToken
		lm.claimUntil = now.Add(lease)
		out = append(out, lm.msg)
	}
	return out, nil
}

func (s *MemoryOutbox) MarkDelivered(ctx context.Context, id, claimToken string, at time.Time) error {
	return s.mark(id, claimToken, func(lm *leasedMessage) {
		lm.msg.Status = StatusDelivered
		lm.msg.UpdatedAt = at
	})
}

func (s *MemoryOutbox) MarkFailed(ctx context.Context, id, claimToken, errMsg string, nextAttempt time.Time) error {
	return s.mark(id, claimToken, func(lm *leasedMessage) {
		lm.msg.Attempts++
		lm.msg.LastError = errMsg
		lm.msg.NextAttemptAt = nextAttempt
		lm.msg.UpdatedAt = nextAttempt
	})
}

func (s *MemoryOutbox) MarkDead(ctx context.Context, id, claimToken, errMsg string, at time.Time) error {
	return s.mark(id, claimToken, func(lm *leasedMessage) {
		lm.msg.Attempts++
		lm.msg.Status = StatusDead
		lm.msg.LastError = errMsg
		lm.msg.UpdatedAt = at
	})
}

func (s *MemoryOutbox) mark(id, claimToken string, apply func(*leasedMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lm, ok := s.msgs[id]
	if !ok {
		return errNoSuchMessage
	}
	if lm.claimToken != claimToken {
		// Lease lost; another dispatcher owns the row now.
		return nil
	}
	apply(lm)
	lm.claimToken = ""
	lm.claimUntil = time.Time{}
	return nil
}

// Snapshot returns all messages. Test hook.
func (s *MemoryOutbox) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.msgs))
	for _, lm := range s.msgs {
		out = append(out, lm.msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
