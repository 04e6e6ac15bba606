package grant

import (
	"context"
	"fmt"
	"time"
)

// Sweeper runs the two maintenance passes. Both are idempotent and safe to
// run concurrently with verification: expiry only ever flips active true to
// false, and unlock advancement only ever flips unlocked false to true.
type Sweeper struct {
	store Store
	now   func() time.Time
}

type SweeperOption func(*Sweeper)

// WithSweeperClock overrides the sweep clock. Test hook.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(store Store, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExpireStale deactivates every active grant whose expiry has passed and
// reports how many flipped.
func (s *Sweeper) ExpireStale(ctx context.Context) (int, error) {
	n, err := s.store.ExpireStale(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expire stale grants: %w", err)
	}
	return n, nil
}

// AdvanceUnlocks unlocks every progressive stage whose unlock time has
// passed and reports how many flipped. Re-running is a no-op.
func (s *Sweeper) AdvanceUnlocks(ctx context.Context) (int, error) {
	n, err := s.store.AdvanceUnlocks(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("advance unlocks: %w", err)
	}
	return n, nil
}

// SweepResult reports one full pass.
type SweepResult struct {
	Expired  int `json:"expired"`
	Unlocked int `json:"unlocked"`
}

// Sweep runs both passes once.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	expired, err := s.ExpireStale(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	unlocked, err := s.AdvanceUnlocks(ctx)
	if err != nil {
		return SweepResult{Expired: expired}, err
	}
	return SweepResult{Expired: expired, Unlocked: unlocked}, nil
}

// Run sweeps on the interval until the context is cancelled. Errors are
// reported through onPass along with the counts; the loop keeps going.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, onPass func(SweepResult, error)) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if onPass != nil {
				onPass(res, err)
			}
		}
	}
}
