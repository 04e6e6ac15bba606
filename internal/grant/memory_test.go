package grant

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedGrant(t *testing.T, s *InMemory, id, token, orderRef string, docs ...Document) *Grant {
	t.Helper()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	g := &Grant{
		ID: id, Token: token, Strategy: StrategyMFA,
		Recipient: "buyer@example.com", OrderRef: orderRef,
		ExpiresAt: now.Add(72 * time.Hour), Active: true, CreatedAt: now, UpdatedAt: now,
		MFA: &MFAState{WindowStart: 0, WindowEnd: 23, MaxDownloads: 3},
	}
	if err := s.Create(context.Background(), g, docs, nil); err != nil {
		t.Fatalf("seed grant %s: %v", id, err)
	}
	return g
}

func TestCreateRejectsDuplicateToken(t *testing.T) {
	s := NewInMemory()
	seedGrant(t, s, "g1", "tok-dup", "ord-1")

	g := &Grant{ID: "g2", Token: "tok-dup", Strategy: StrategyQR, Recipient: "x@y.com",
		ExpiresAt: time.Now().Add(time.Hour), Active: true, QR: &QRState{}}
	if err := s.Create(context.Background(), g, nil, nil); !errors.Is(err, ErrTokenCollision) {
		t.Fatalf("expected ErrTokenCollision, got %v", err)
	}
}

func TestCreateRejectsDuplicateTxID(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	mk := func(id, token string) *Grant {
		return &Grant{ID: id, Token: token, Strategy: StrategyBlockchain, Recipient: "x@y.com",
			ExpiresAt: time.Now().Add(time.Hour), Active: true,
			Blockchain: &BlockchainState{TxID: "0xabc"}}
	}
	if err := s.Create(ctx, mk("g1", "tok-1"), nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, mk("g2", "tok-2"), nil, nil); !errors.Is(err, ErrTokenCollision) {
		t.Fatalf("expected ErrTokenCollision on tx id reuse, got %v", err)
	}
}

func TestUpdateKeepsCountersAuthoritative(t *testing.T) {
	s := NewInMemory()
	seedGrant(t, s, "g1", "tok-1", "ord-1")
	ctx := context.Background()

	if ok, err := s.TryConsumeQuota(ctx, "g1"); err != nil || !ok {
		t.Fatalf("consume: ok=%v err=%v", ok, err)
	}

	// A stale snapshot must not roll the counter back.
	stale, err := s.ByID(ctx, "g1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stale.MFA.DownloadCount = 0
	stale.MFA.Verified = true
	if err := s.Update(ctx, stale); err != nil {
		t.Fatalf("update: %v", err)
	}

	g, _ := s.ByID(ctx, "g1")
	if g.MFA.DownloadCount != 1 {
		t.Fatalf("counter rolled back to %d", g.MFA.DownloadCount)
	}
	if !g.MFA.Verified {
		t.Fatal("non-counter field update lost")
	}
}

func TestTryConsumeQuotaBoundary(t *testing.T) {
	s := NewInMemory()
	g := seedGrant(t, s, "g1", "tok-1", "ord-1")
	g.MFA.MaxDownloads = 1
	ctx := context.Background()
	if err := s.Update(ctx, g); err != nil {
		t.Fatalf("update: %v", err)
	}

	if ok, err := s.TryConsumeQuota(ctx, "g1"); err != nil || !ok {
		t.Fatalf("first consume: ok=%v err=%v", ok, err)
	}
	if ok, err := s.TryConsumeQuota(ctx, "g1"); err != nil || ok {
		t.Fatalf("consume past limit: ok=%v err=%v", ok, err)
	}

	if _, err := s.TryConsumeQuota(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	q := &Grant{ID: "g2", Token: "tok-2", Strategy: StrategyQR, Recipient: "x@y.com",
		ExpiresAt: time.Now().Add(time.Hour), Active: true, QR: &QRState{}}
	if err := s.Create(ctx, q, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.TryConsumeQuota(ctx, "g2"); !errors.Is(err, ErrWrongStrategy) {
		t.Fatalf("expected ErrWrongStrategy, got %v", err)
	}
}

func TestDeleteByOrderCascades(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	doc := Document{ID: "doc-1", SourceID: "d1", Name: "One.pdf", Path: "p/1", Available: true}
	seedGrant(t, s, "g1", "tok-1", "ord-del", doc)
	seedGrant(t, s, "g2", "tok-2", "ord-del")
	seedGrant(t, s, "g3", "tok-3", "ord-keep")

	n, err := s.DeleteByOrder(ctx, "ord-del")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deletions, got %d", n)
	}

	if _, err := s.ByToken(ctx, "tok-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("token survived deletion: %v", err)
	}
	if err := s.IncrementDocumentCount(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("line item survived deletion: %v", err)
	}
	if _, err := s.ByToken(ctx, "tok-3"); err != nil {
		t.Fatalf("unrelated grant harmed: %v", err)
	}

	n, err = s.DeleteByOrder(ctx, "ord-del")
	if err != nil || n != 0 {
		t.Fatalf("repeat delete: n=%d err=%v", n, err)
	}
}

func TestByOrderListsAllGrants(t *testing.T) {
	s := NewInMemory()
	seedGrant(t, s, "g1", "tok-1", "ord-1")
	seedGrant(t, s, "g2", "tok-2", "ord-1")
	seedGrant(t, s, "g3", "tok-3", "ord-2")

	got, err := s.ByOrder(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("by order: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(got))
	}
}

func TestClonesIsolateCallers(t *testing.T) {
	s := NewInMemory()
	seedGrant(t, s, "g1", "tok-1", "ord-1")
	ctx := context.Background()

	g, _ := s.ByID(ctx, "g1")
	g.Recipient = "tampered@example.com"
	g.MFA.MaxDownloads = 999

	fresh, _ := s.ByID(ctx, "g1")
	if fresh.Recipient != "buyer@example.com" || fresh.MFA.MaxDownloads != 3 {
		t.Fatalf("store state leaked through returned pointer: %+v", fresh)
	}
}
