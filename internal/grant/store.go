package grant

import (
	"context"
	"time"
)

// Notification is one queued delivery message. It is persisted alongside the
// grant it announces so issuance and the queued notification cannot diverge.
type Notification struct {
	ID        string            `json:"id"`
	GrantID   string            `json:"grant_id"`
	Recipient string            `json:"recipient"`
	Template  string            `json:"template"`
	Payload   map[string]string `json:"payload"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store is the persistence contract for grants, their line items, and unlock
// schedules. Implementations must provide the quota operations as conditional
// updates executed by the store itself, never as read-modify-write in the
// caller.
type Store interface {
	// Create persists the grant, its line items, and (when note is non-nil)
	// the queued notification in one atomic step. A token or tx id already in
	// use surfaces as ErrTokenCollision.
	Create(ctx context.Context, g *Grant, docs []Document, note *Notification) error

	ByID(ctx context.Context, id string) (*Grant, error)
	ByToken(ctx context.Context, token string) (*Grant, error)
	ByOrder(ctx context.Context, orderRef string) ([]*Grant, error)

	// Update persists mutable grant state (active flag, variant fields) and
	// bumps UpdatedAt. Counters are excluded; they move only through the
	// quota operations below.
	Update(ctx context.Context, g *Grant) error

	// Deactivate sets Active=false. Idempotent; reports whether a row flipped.
	Deactivate(ctx context.Context, id string) (bool, error)

	// DeleteByOrder removes an order's grants with their line items and
	// unlock entries. Audit entries are untouched.
	DeleteByOrder(ctx context.Context, orderRef string) (int, error)

	// Documents returns the grant's line items in insertion order.
	Documents(ctx context.Context, grantID string) ([]Document, error)

	// TryConsumeQuota atomically increments the grant's download count only
	// while it is below the limit. Reports whether a slot was consumed.
	TryConsumeQuota(ctx context.Context, grantID string) (bool, error)

	// IncrementDocumentCount bumps one line item's download counter.
	IncrementDocumentCount(ctx context.Context, documentID string) error

	// MarkUnlocked flips one unlock entry to unlocked at the given instant.
	// Conditional on it being locked; reports whether the flip happened.
	MarkUnlocked(ctx context.Context, entryID string, at time.Time) (bool, error)

	// ExpireStale deactivates every active grant whose expiry has passed.
	ExpireStale(ctx context.Context, now time.Time) (int, error)

	// AdvanceUnlocks unlocks every entry whose unlock time has passed.
	AdvanceUnlocks(ctx context.Context, now time.Time) (int, error)
}

// Attempt is one verification attempt, successful or not. Exactly one is
// recorded per engine call, on every branch.
type Attempt struct {
	ID         string    `json:"id"`
	GrantID    string    `json:"grant_id,omitempty"` // empty when the token did not resolve
	Identity   string    `json:"identity"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Success    bool      `json:"success"`
	Reason     Reason    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AttemptSink receives attempts. Sinks must not fail the verification path;
// persistence errors are theirs to log and count.
type AttemptSink interface {
	Record(ctx context.Context, a Attempt)
}

// Sinks fans one attempt out to several sinks in order.
func Sinks(sinks ...AttemptSink) AttemptSink {
	return multiSink(sinks)
}

type multiSink []AttemptSink

func (m multiSink) Record(ctx context.Context, a Attempt) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, a)
		}
	}
}
