package audit

import (
	"context"
	"sync"

	"github.com/Mohan-38/docgrant/internal/grant"
)

// DefaultListLimit bounds list queries that pass no explicit limit.
const DefaultListLimit = 100

// Store persists verification attempts. The trail is independent of grant
// rows: entries survive grant revocation and deletion.
type Store interface {
	Append(ctx context.Context, a grant.Attempt) error
	ListByGrant(ctx context.Context, grantID string, limit int) ([]grant.Attempt, error)
	ListByIdentity(ctx context.Context, identity string, limit int) ([]grant.Attempt, error)
}

// Memory is a mutex-guarded Store for tests and dev mode.
type Memory struct {
	mu      sync.Mutex
	entries []grant.Attempt
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(ctx context.Context, a grant.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, a)
	return nil
}

// ListByGrant returns the newest entries first.
func (m *Memory) ListByGrant(ctx context.Context, grantID string, limit int) ([]grant.Attempt, error) {
	return m.list(func(a grant.Attempt) bool { return a.GrantID == grantID }, limit), nil
}

// ListByIdentity returns the newest entries first.
func (m *Memory) ListByIdentity(ctx context.Context, identity string, limit int) ([]grant.Attempt, error) {
	identity = grant.NormalizeIdentity(identity)
	return m.list(func(a grant.Attempt) bool { return a.Identity == identity }, limit), nil
}

func (m *Memory) list(match func(grant.Attempt) bool, limit int) []grant.Attempt {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]grant.Attempt, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if match(m.entries[i]) {
			out = append(out, m.entries[i])
		}
	}
	return out
}
