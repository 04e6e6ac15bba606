package notify

import (
	"context"
	"time"
)

// Status of one outbox message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusDead      Status = "dead"
)

// Message is one queued notification. Rows are written in the same
// transaction as the grant they announce; the dispatcher delivers them later,
// so issuance never waits on a mail server or broker.
type Message struct {
	ID            string            `json:"id"`
	GrantID       string            `json:"grant_id"`
	Recipient     string            `json:"recipient"`
	Template      string            `json:"template"`
	Payload       map[string]string `json:"payload"`
	Status        Status            `json:"status"`
	Attempts      int               `json:"attempts"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// OutboxStore is the durable queue. Claiming leases a batch to one dispatcher
// via a claim token; the mark operations only apply while the token still
// holds the lease, so a crashed dispatcher's batch is re-claimed after the
// lease lapses and delivery stays at-least-once.
type OutboxStore interface {
	Enqueue(ctx context.Context, m Message) error
	Claim(ctx context.Context, limit int, claimToken string, now time.Time, lease time.Duration) ([]Message, error)
	MarkDelivered(ctx context.Context, id, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, id, claimToken, errMsg string, nextAttempt time.Time) error
	MarkDead(ctx context.Context, id, claimToken, errMsg string, at time.Time) error
}
