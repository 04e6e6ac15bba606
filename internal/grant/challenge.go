package grant

import (
	"context"
	"sync"
	"time"
)

// ChallengeState tracks the two-phase MFA protocol. A challenge starts in
// pending_identity when the link is first resolved, moves to pending_code once
// the identity matches, and ends verified after a correct code.
type ChallengeState string

const (
	ChallengePendingIdentity ChallengeState = "pending_identity"
	ChallengePendingCode     ChallengeState = "pending_code"
	ChallengeVerified        ChallengeState = "verified"
)

// Challenge is the transient MFA state keyed by grant token.
type Challenge struct {
	Token     string         `json:"token"`
	State     ChallengeState `json:"state"`
	Identity  string         `json:"identity,omitempty"`
	Attempts  int            `json:"attempts"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// ChallengeStore holds challenges for their TTL. Get returns ErrNoChallenge
// for absent or lapsed entries.
type ChallengeStore interface {
	Put(ctx context.Context, c Challenge, ttl time.Duration) error
	Get(ctx context.Context, token string) (Challenge, error)
	Delete(ctx context.Context, token string) error
}

// MemoryChallenges is a mutex-guarded ChallengeStore for tests and
// single-node deployments.
type MemoryChallenges struct {
	mu  sync.Mutex
	m   map[string]Challenge
	now func() time.Time
}

func NewMemoryChallenges() *MemoryChallenges {
	return &MemoryChallenges{
		m:   make(map[string]Challenge),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the expiry clock. Test hook.
func (s *MemoryChallenges) WithClock(now func() time.Time) *MemoryChallenges {
	s.now = now
	return s
}

func (s *MemoryChallenges) Put(ctx context.Context, c Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = s.now().Add(ttl)
	}
	s.m[c.Token] = c
	return nil
}

func (s *MemoryChallenges) Get(ctx context.Context, token string) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[token]
	if !ok {
		return Challenge{}, ErrNoChallenge
	}
	if !c.ExpiresAt.After(s.now()) {
		delete(s.m, token)
		return Challenge{}, ErrNoChallenge
	}
	return c, nil
}

func (s *MemoryChallenges) Delete(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, token)
	return nil
}
