package grant

import (
	"context"
	"sync"
	"time"

	"github.com/Mohan-38/docgrant/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Used by tests
// and dev mode; the Postgres store is the durable implementation.
type InMemory struct {
	mu       sync.Mutex
	grants   map[string]*Grant      // id -> grant
	tokens   map[string]string      // token -> id
	txids    map[string]string      // blockchain tx id -> grant id
	docs     map[string][]*Document // grant id -> line items
	docIdx   map[string]*Document   // document id -> item
	notes    []Notification
	noteSink func(Notification)
}

// OnNote registers a callback invoked for each notification Create stores.
// Dev mode bridges notes into the outbox through it. The callback runs under
// the store lock, so it must not call back into the store.
func (s *InMemory) OnNote(fn func(Notification)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noteSink = fn
}

func NewInMemory() *InMemory {
	return &InMemory{
		grants: make(map[string]*Grant),
		tokens: make(map[string]string),
		txids:  make(map[string]string),
		docs:   make(map[string][]*Document),
		docIdx: make(map[string]*Document),
	}
}

func (s *InMemory) Create(ctx context.Context, g *Grant, docs []Document, note *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[g.Token]; exists {
		return ErrTokenCollision
	}
	if g.Blockchain != nil && g.Blockchain.TxID != "" {
		if _, exists := s.txids[g.Blockchain.TxID]; exists {
			return ErrTokenCollision
		}
	}

	cp := cloneGrant(g)
	s.grants[cp.ID] = cp
	s.tokens[cp.Token] = cp.ID
	if cp.Blockchain != nil && cp.Blockchain.TxID != "" {
		s.txids[cp.Blockchain.TxID] = cp.ID
	}
	for i := range docs {
		d := docs[i]
		if d.ID == "" {
			d.ID = ids.New()
		}
		d.GrantID = cp.ID
		item := d
		s.docs[cp.ID] = append(s.docs[cp.ID], &item)
		s.docIdx[item.ID] = &item
	}
	if note != nil {
		n := *note
		if n.ID == "" {
			n.ID = ids.New()
		}
		n.GrantID = cp.ID
		s.notes = append(s.notes, n)
		if s.noteSink != nil {
			s.noteSink(n)
		}
	}
	return nil
}

func (s *InMemory) ByID(ctx context.Context, id string) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGrant(g), nil
}

func (s *InMemory) ByToken(ctx context.Context, token string) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGrant(s.grants[id]), nil
}

func (s *InMemory) ByOrder(ctx context.Context, orderRef string) ([]*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Grant
	for _, g := range s.grants {
		if g.OrderRef == orderRef {
			out = append(out, cloneGrant(g))
		}
	}
	return out, nil
}

func (s *InMemory) Update(ctx context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.grants[g.ID]
	if !ok {
		return ErrNotFound
	}
	cp := cloneGrant(g)
	// Counters move only through the quota operations.
	if cp.MFA != nil && cur.MFA != nil {
		cp.MFA.DownloadCount = cur.MFA.DownloadCount
	}
	cp.UpdatedAt = time.Now().UTC()
	s.grants[g.ID] = cp
	return nil
}

func (s *InMemory) Deactivate(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return false, ErrNotFound
	}
	if !g.Active {
		return false, nil
	}
	g.Active = false
	g.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *InMemory) DeleteByOrder(ctx context.Context, orderRef string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, g := range s.grants {
		if g.OrderRef != orderRef {
			continue
		}
		delete(s.tokens, g.Token)
		if g.Blockchain != nil {
			delete(s.txids, g.Blockchain.TxID)
		}
		for _, d := range s.docs[id] {
			delete(s.docIdx, d.ID)
		}
		delete(s.docs, id)
		delete(s.grants, id)
		n++
	}
	return n, nil
}

func (s *InMemory) Documents(ctx context.Context, grantID string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[grantID]; !ok {
		return nil, ErrNotFound
	}
	items := s.docs[grantID]
	out := make([]Document, 0, len(items))
	for _, d := range items {
		out = append(out, *d)
	}
	return out, nil
}

// TryConsumeQuota is the conditional compare-and-increment: it succeeds only
// while the count is below the limit, under the same lock that guards reads.
func (s *InMemory) TryConsumeQuota(ctx context.Context, grantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantID]
	if !ok {
		return false, ErrNotFound
	}
	if g.MFA == nil {
		return false, ErrWrongStrategy
	}
	if g.MFA.DownloadCount >= g.MFA.MaxDownloads {
		return false, nil
	}
	g.MFA.DownloadCount++
	g.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *InMemory) IncrementDocumentCount(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docIdx[documentID]
	if !ok {
		return ErrNotFound
	}
	d.DownloadCount++
	return nil
}

func (s *InMemory) MarkUnlocked(ctx context.Context, entryID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants {
		if g.Progressive == nil {
			continue
		}
		for i := range g.Progressive.Stages {
			e := &g.Progressive.Stages[i]
			if e.ID != entryID {
				continue
			}
			if e.Unlocked {
				return false, nil
			}
			e.Unlocked = true
			t := at
			e.UnlockedAt = &t
			g.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, ErrNotFound
}

func (s *InMemory) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.grants {
		if g.Active && g.ExpiresAt.Before(now) {
			g.Active = false
			g.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *InMemory) AdvanceUnlocks(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.grants {
		if g.Progressive == nil {
			continue
		}
		for i := range g.Progressive.Stages {
			e := &g.Progressive.Stages[i]
			if !e.Unlocked && !e.UnlockAt.After(now) {
				e.Unlocked = true
				t := now
				e.UnlockedAt = &t
				n++
			}
		}
	}
	return n, nil
}

// Notifications returns queued notifications in insertion order. Test hook.
func (s *InMemory) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.notes))
	copy(out, s.notes)
	return out
}

func cloneGrant(g *Grant) *Grant {
	cp := *g
	if g.MFA != nil {
		m := *g.MFA
		m.AllowedIPs = append([]string(nil), g.MFA.AllowedIPs...)
		cp.MFA = &m
	}
	if g.Blockchain != nil {
		b := *g.Blockchain
		b.DocumentHashes = append([]string(nil), g.Blockchain.DocumentHashes...)
		cp.Blockchain = &b
	}
	if g.Progressive != nil {
		p := ProgressiveState{Stages: make([]UnlockEntry, len(g.Progressive.Stages))}
		copy(p.Stages, g.Progressive.Stages)
		for i := range p.Stages {
			p.Stages[i].Documents = append([]Document(nil), g.Progressive.Stages[i].Documents...)
			if ua := g.Progressive.Stages[i].UnlockedAt; ua != nil {
				t := *ua
				p.Stages[i].UnlockedAt = &t
			}
		}
		cp.Progressive = &p
	}
	if g.Portal != nil {
		p := *g.Portal
		if g.Portal.LastLogin != nil {
			t := *g.Portal.LastLogin
			p.LastLogin = &t
		}
		cp.Portal = &p
	}
	if g.QR != nil {
		q := *g.QR
		q.Documents = append([]Document(nil), g.QR.Documents...)
		if g.QR.ScannedAt != nil {
			t := *g.QR.ScannedAt
			q.ScannedAt = &t
		}
		cp.QR = &q
	}
	return &cp
}
