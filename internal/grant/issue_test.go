package grant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// collideStore forces token collisions for the first N creates.
type collideStore struct {
	Store
	remaining int
}

func (c *collideStore) Create(ctx context.Context, g *Grant, docs []Document, note *Notification) error {
	if c.remaining > 0 {
		c.remaining--
		return ErrTokenCollision
	}
	return c.Store.Create(ctx, g, docs, note)
}

func TestIssueValidation(t *testing.T) {
	iss := NewIssuer(NewInMemory())
	ctx := context.Background()
	doc := Document{SourceID: "d1", Name: "One.pdf", Path: "p/1"}

	_, err := iss.Issue(ctx, IssueRequest{OrderRef: "o", Recipient: "a@b.com", Strategy: "carrier-pigeon", Documents: []Document{doc}})
	if !errors.Is(err, ErrInvalidStrategy) {
		t.Fatalf("expected ErrInvalidStrategy, got %v", err)
	}

	_, err = iss.Issue(ctx, IssueRequest{OrderRef: "o", Recipient: "a@b.com", Strategy: StrategyMFA})
	if !errors.Is(err, ErrNoDocuments) {
		t.Fatalf("expected ErrNoDocuments, got %v", err)
	}

	_, err = iss.Issue(ctx, IssueRequest{OrderRef: "o", Recipient: "not-an-email", Strategy: StrategyMFA, Documents: []Document{doc}})
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestIssueMFA(t *testing.T) {
	store := NewInMemory()
	iss := NewIssuer(store, WithIssuerClock(fixedClock(testTime)), WithBaseURL("https://docs.example.com/"))
	ctx := context.Background()

	desc, err := iss.Issue(ctx, IssueRequest{
		OrderRef:      "ord-1",
		Recipient:     "Buyer@Example.COM",
		RecipientName: "Buyer",
		Strategy:      StrategyMFA,
		Documents:     []Document{{SourceID: "d1", Name: "One.pdf", Path: "p/1"}},
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if desc.GrantID == "" || desc.Token == "" {
		t.Fatalf("incomplete descriptor: %+v", desc)
	}
	wantURL := "https://docs.example.com/access/mfa/" + desc.Token
	if desc.URL != wantURL {
		t.Fatalf("url = %q, want %q", desc.URL, wantURL)
	}
	if !desc.ExpiresAt.Equal(testTime.Add(DefaultExpiresIn)) {
		t.Fatalf("expires_at = %v, want issuance + default ttl", desc.ExpiresAt)
	}

	// The grant is resolvable the moment Issue returns.
	g, err := store.ByToken(ctx, desc.Token)
	if err != nil {
		t.Fatalf("resolve fresh token: %v", err)
	}
	if g.Recipient != "buyer@example.com" {
		t.Fatalf("recipient not normalized: %q", g.Recipient)
	}
	if !g.Active || g.MFA == nil || g.MFA.Verified {
		t.Fatalf("unexpected grant state: %+v", g)
	}
	if g.MFA.MaxDownloads != DefaultMaxDownloads || g.MFA.WindowStart != DefaultWindowStart || g.MFA.WindowEnd != DefaultWindowEnd {
		t.Fatalf("defaults not applied: %+v", g.MFA)
	}
	if len(g.MFA.Code) != 6 {
		t.Fatalf("expected 6-digit code, got %q", g.MFA.Code)
	}

	notes := store.Notifications()
	if len(notes) != 1 {
		t.Fatalf("expected exactly one queued notification, got %d", len(notes))
	}
	n := notes[0]
	if n.Template != TemplateMFAIssued || n.Recipient != "buyer@example.com" {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if n.Payload["code"] != g.MFA.Code {
		t.Fatalf("payload code %q does not match grant code %q", n.Payload["code"], g.MFA.Code)
	}
	if n.Payload["access_url"] != desc.URL {
		t.Fatalf("payload url %q does not match descriptor %q", n.Payload["access_url"], desc.URL)
	}
}

func TestIssuePortalKeepsPasswordOutOfDescriptor(t *testing.T) {
	store := NewInMemory()
	iss := NewIssuer(store, WithIssuerClock(fixedClock(testTime)))
	ctx := context.Background()

	desc, err := iss.Issue(ctx, IssueRequest{
		OrderRef:  "ord-2",
		Recipient: "buyer@example.com",
		Strategy:  StrategyPortal,
		Documents: []Document{{SourceID: "d1", Name: "One.pdf", Path: "p/1"}},
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	notes := store.Notifications()
	if len(notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(notes))
	}
	password := notes[0].Payload["password"]
	if password == "" {
		t.Fatal("expected temporary password in notification payload")
	}
	if strings.Contains(desc.URL, password) {
		t.Fatal("password leaked into the access url")
	}

	g, err := store.ByID(ctx, desc.GrantID)
	if err != nil {
		t.Fatalf("load grant: %v", err)
	}
	if g.Portal.PasswordChanged {
		t.Fatal("fresh portal grant must require rotation")
	}
	if err := VerifyPassword(g.Portal.PasswordHash, password); err != nil {
		t.Fatalf("stored hash does not match delivered password: %v", err)
	}
}

func TestIssueProgressiveSchedule(t *testing.T) {
	store := NewInMemory()
	iss := NewIssuer(store, WithIssuerClock(fixedClock(testTime)))
	ctx := context.Background()

	desc, err := iss.Issue(ctx, IssueRequest{
		OrderRef:  "ord-3",
		Recipient: "buyer@example.com",
		Strategy:  StrategyProgressive,
		Documents: []Document{
			{SourceID: "d3", Name: "Three.pdf", Path: "p/3", Stage: "final"},
			{SourceID: "d1", Name: "One.pdf", Path: "p/1", Stage: "review_1"},
			{SourceID: "d4", Name: "Extra.pdf", Path: "p/4", Stage: "bonus"},
		},
		Options: Options{StageDelay: 12 * time.Hour},
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if len(desc.Schedule) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(desc.Schedule))
	}
	// Known review stages keep their order; unknown labels trail.
	wantOrder := []string{"review_1", "final", "bonus"}
	for i, s := range desc.Schedule {
		if s.Stage != wantOrder[i] {
			t.Fatalf("stage %d = %q, want %q", i, s.Stage, wantOrder[i])
		}
		wantAt := testTime.Add(time.Duration(i) * 12 * time.Hour)
		if !s.UnlockAt.Equal(wantAt) {
			t.Fatalf("stage %q unlocks at %v, want %v", s.Stage, s.UnlockAt, wantAt)
		}
		if s.Unlocked != (i == 0) {
			t.Fatalf("stage %q unlocked=%v", s.Stage, s.Unlocked)
		}
	}

	// No line items; the stage entries carry the documents.
	docs, err := store.Documents(ctx, desc.GrantID)
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected no line items for progressive grants, got %d", len(docs))
	}

	notes := store.Notifications()
	if len(notes) != 1 || notes[0].Template != TemplateProgressiveIssued {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
	if !strings.Contains(notes[0].Payload["schedule"], "review_1=") {
		t.Fatalf("schedule payload missing stages: %q", notes[0].Payload["schedule"])
	}
}

func TestIssueQRKeepsDocumentsInline(t *testing.T) {
	store := NewInMemory()
	iss := NewIssuer(store, WithIssuerClock(fixedClock(testTime)))
	ctx := context.Background()

	desc, err := iss.Issue(ctx, IssueRequest{
		OrderRef:  "ord-4",
		Recipient: "buyer@example.com",
		Strategy:  StrategyQR,
		Documents: []Document{
			{SourceID: "d1", Name: "One.pdf", Path: "p/1"},
			{SourceID: "d2", Name: "Two.pdf", Path: "p/2"},
		},
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	docs, err := store.Documents(ctx, desc.GrantID)
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected no line items for qr grants, got %d", len(docs))
	}

	g, _ := store.ByID(ctx, desc.GrantID)
	if g.QR == nil || len(g.QR.Documents) != 2 {
		t.Fatalf("expected inline documents, got %+v", g.QR)
	}
	for _, d := range g.QR.Documents {
		if d.ID == "" || !d.Available {
			t.Fatalf("inline document not prepared: %+v", d)
		}
	}
	if g.QR.Scanned {
		t.Fatal("fresh qr grant must be unscanned")
	}
}

func TestIssueBlockchainAttestation(t *testing.T) {
	store := NewInMemory()
	iss := NewIssuer(store, WithIssuerClock(fixedClock(testTime)))
	ctx := context.Background()

	docs := []Document{
		{SourceID: "d1", Name: "One.pdf", Path: "p/1"},
		{SourceID: "d2", Name: "Two.pdf", Path: "p/2"},
	}
	desc, err := iss.Issue(ctx, IssueRequest{
		OrderRef:  "ord-5",
		Recipient: "buyer@example.com",
		Strategy:  StrategyBlockchain,
		Documents: docs,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if !strings.HasPrefix(desc.TxID, "0x") {
		t.Fatalf("tx id %q missing 0x prefix", desc.TxID)
	}
	if desc.ProofOfDelivery == "" {
		t.Fatal("expected proof of delivery")
	}

	g, _ := store.ByID(ctx, desc.GrantID)
	if len(g.Blockchain.DocumentHashes) != 2 {
		t.Fatalf("expected one hash per document, got %d", len(g.Blockchain.DocumentHashes))
	}
	// Hashes are a pure function of the document descriptor.
	stored, err := store.Documents(ctx, desc.GrantID)
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	for i, d := range stored {
		if DocumentHash(d) != g.Blockchain.DocumentHashes[i] {
			t.Fatalf("hash %d drifted: %q != %q", i, DocumentHash(d), g.Blockchain.DocumentHashes[i])
		}
	}
	if g.Blockchain.TxID != desc.TxID {
		t.Fatalf("descriptor tx %q does not match grant %q", desc.TxID, g.Blockchain.TxID)
	}
}

func TestIssueRetriesTokenCollisionOnce(t *testing.T) {
	ctx := context.Background()
	doc := Document{SourceID: "d1", Name: "One.pdf", Path: "p/1"}
	req := IssueRequest{OrderRef: "ord-6", Recipient: "buyer@example.com", Strategy: StrategyQR, Documents: []Document{doc}}

	iss := NewIssuer(&collideStore{Store: NewInMemory(), remaining: 1})
	if _, err := iss.Issue(ctx, req); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}

	iss = NewIssuer(&collideStore{Store: NewInMemory(), remaining: 2})
	if _, err := iss.Issue(ctx, req); !errors.Is(err, ErrTokenCollision) {
		t.Fatalf("expected ErrTokenCollision after second collision, got %v", err)
	}
}

func TestIssueServiceDefaults(t *testing.T) {
	store := NewInMemory()
	iss := NewIssuer(store, WithIssueDefaults(Options{MaxDownloads: 2, ExpiresIn: 24 * time.Hour}), WithIssuerClock(fixedClock(testTime)))
	ctx := context.Background()
	doc := Document{SourceID: "d1", Name: "One.pdf", Path: "p/1"}

	desc, err := iss.Issue(ctx, IssueRequest{OrderRef: "o1", Recipient: "a@b.com", Strategy: StrategyMFA, Documents: []Document{doc}})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	g, _ := store.ByID(ctx, desc.GrantID)
	if g.MFA.MaxDownloads != 2 {
		t.Fatalf("service default ignored: %d", g.MFA.MaxDownloads)
	}
	if !desc.ExpiresAt.Equal(testTime.Add(24 * time.Hour)) {
		t.Fatalf("service ttl ignored: %v", desc.ExpiresAt)
	}

	// Per-request options still win over service defaults.
	desc, err = iss.Issue(ctx, IssueRequest{OrderRef: "o2", Recipient: "a@b.com", Strategy: StrategyMFA, Documents: []Document{doc}, Options: Options{MaxDownloads: 7}})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	g, _ = store.ByID(ctx, desc.GrantID)
	if g.MFA.MaxDownloads != 7 {
		t.Fatalf("request option ignored: %d", g.MFA.MaxDownloads)
	}
}
