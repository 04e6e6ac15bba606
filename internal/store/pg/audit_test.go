package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Mohan-38/docgrant/internal/grant"
)

func TestAppendStoresUnresolvedTokenWithoutGrant(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	// Unresolved tokens have no grant id; the column goes null.
	mock.ExpectExec("insert into audit_entries").
		WithArgs("01JA1", nil, "buyer@example.com", "203.0.113.7", nil, false, "invalid_token", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := grant.Attempt{
		ID:         "01JA1",
		Identity:   "buyer@example.com",
		IP:         "203.0.113.7",
		Success:    false,
		Reason:     grant.ReasonInvalidToken,
		OccurredAt: now,
	}
	if err := s.Append(context.Background(), a); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListByIdentityNormalizesAndLimits(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	cols := []string{"id", "grant_id", "identity", "ip", "user_agent", "success", "reason", "occurred_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("01JA2", "01JGRANT", "buyer@example.com", "", "", true, "", now).
		AddRow("01JA1", "", "buyer@example.com", "203.0.113.7", "", false, "invalid_token", now.Add(-time.Minute))
	mock.ExpectQuery("from audit_entries where identity=").
		WithArgs("buyer@example.com", 100).
		WillReturnRows(rows)

	out, err := s.ListByIdentity(context.Background(), "Buyer@Example.COM", 0)
	if err != nil {
		t.Fatalf("ListByIdentity: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out))
	}
	if out[0].ID != "01JA2" || !out[0].Success {
		t.Fatalf("unexpected first entry: %+v", out[0])
	}
	if out[1].Reason != grant.ReasonInvalidToken || out[1].GrantID != "" {
		t.Fatalf("unexpected second entry: %+v", out[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
