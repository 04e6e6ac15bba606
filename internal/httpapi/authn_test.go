package httpapi

import (
	"net/http"
	"testing"
	"time"
)

func TestAdminAuthModes(t *testing.T) {
	api := newTestAPI(t)
	probe := func(headers map[string]string) int {
		resp := api.post("/v1/admin/sweep", nil, headers)
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := probe(nil); got != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", got)
	}
	if got := probe(map[string]string{"X-Admin-Key": "wrong"}); got != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a wrong key, got %d", got)
	}
	if got := probe(adminHeaders()); got != http.StatusOK {
		t.Fatalf("expected 200 with the admin key, got %d", got)
	}

	adminToken, err := api.api.sessions.IssueAdmin("ops@example.com")
	if err != nil {
		t.Fatalf("mint admin token: %v", err)
	}
	if got := probe(map[string]string{"Authorization": "Bearer " + adminToken}); got != http.StatusOK {
		t.Fatalf("expected 200 with an admin token, got %d", got)
	}

	// Portal sessions never open the admin surface.
	portalToken, err := api.api.sessions.Issue("grant-1", "token-1")
	if err != nil {
		t.Fatalf("mint portal session: %v", err)
	}
	if got := probe(map[string]string{"Authorization": "Bearer " + portalToken}); got != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a portal session, got %d", got)
	}

	if got := probe(map[string]string{"Authorization": "Bearer garbage"}); got != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a garbage token, got %d", got)
	}
}

func TestSessionsBindToAccessToken(t *testing.T) {
	s := NewSessions("secret", time.Hour)

	raw, err := s.Issue("grant-1", "access-token-1")
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	grantID, err := s.VerifyFor(raw, "access-token-1")
	if err != nil {
		t.Fatalf("verify session: %v", err)
	}
	if grantID != "grant-1" {
		t.Fatalf("unexpected subject: %q", grantID)
	}

	if _, err := s.VerifyFor(raw, "some-other-token"); err == nil {
		t.Fatal("expected rejection for a foreign access token")
	}
	if _, err := s.VerifyFor(raw+"x", "access-token-1"); err == nil {
		t.Fatal("expected rejection for a tampered session")
	}

	// A different secret never validates the signature.
	other := NewSessions("other-secret", time.Hour)
	if _, err := other.VerifyFor(raw, "access-token-1"); err == nil {
		t.Fatal("expected rejection under a different secret")
	}
}

func TestSessionsExpire(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s := NewSessions("secret", 30*time.Minute).WithNow(func() time.Time { return now })

	raw, err := s.Issue("grant-1", "access-token-1")
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if _, err := s.VerifyFor(raw, "access-token-1"); err != nil {
		t.Fatalf("fresh session rejected: %v", err)
	}

	now = base.Add(31 * time.Minute)
	if _, err := s.VerifyFor(raw, "access-token-1"); err == nil {
		t.Fatal("expected expired session to be rejected")
	}
}
