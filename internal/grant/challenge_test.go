package grant

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryChallengesTTL(t *testing.T) {
	at := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	cs := NewMemoryChallenges().WithClock(func() time.Time { return at })
	ctx := context.Background()

	c := Challenge{Token: "tok", State: ChallengePendingCode, Identity: "a@b.com"}
	if err := cs.Put(ctx, c, 15*time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := cs.Get(ctx, "tok")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != ChallengePendingCode || !got.ExpiresAt.Equal(at.Add(15*time.Minute)) {
		t.Fatalf("unexpected challenge: %+v", got)
	}

	// Advance past the TTL; the entry lapses and is removed on read.
	at = at.Add(16 * time.Minute)
	if _, err := cs.Get(ctx, "tok"); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("expected ErrNoChallenge after ttl, got %v", err)
	}

	if _, err := cs.Get(ctx, "absent"); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("expected ErrNoChallenge for absent token, got %v", err)
	}
}

func TestMemoryChallengesHonorsPresetExpiry(t *testing.T) {
	at := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	cs := NewMemoryChallenges().WithClock(func() time.Time { return at })
	ctx := context.Background()

	preset := at.Add(5 * time.Minute)
	c := Challenge{Token: "tok", State: ChallengePendingCode, ExpiresAt: preset}
	if err := cs.Put(ctx, c, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := cs.Get(ctx, "tok")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ExpiresAt.Equal(preset) {
		t.Fatalf("preset expiry overwritten: %v", got.ExpiresAt)
	}

	if err := cs.Delete(ctx, "tok"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := cs.Get(ctx, "tok"); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("expected ErrNoChallenge after delete, got %v", err)
	}
}
