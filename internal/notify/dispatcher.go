package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Mohan-38/docgrant/internal/obs"
)

// Dispatcher drains the outbox: it claims a batch under a fresh claim token,
// attempts delivery, and records the outcome. Failures back off
// exponentially; past the attempt cap a message is dead-lettered and kept
// for inspection.
type Dispatcher struct {
	outbox OutboxStore
	sender Sender

	now         func() time.Time
	interval    time.Duration
	batch       int
	lease       time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

type DispatcherOption func(*Dispatcher)

// WithDispatcherClock overrides the dispatcher clock. Test hook.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithInterval sets the polling interval.
func WithInterval(v time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.interval = v }
}

// WithBatchSize bounds how many messages one pass claims.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) { d.batch = n }
}

// WithMaxAttempts bounds deliveries per message before dead-lettering.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// WithBackoff sets the retry backoff base and cap.
func WithBackoff(base, upper time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.backoffBase, d.backoffCap = base, upper }
}

func NewDispatcher(outbox OutboxStore, sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		outbox:      outbox,
		sender:      sender,
		now:         func() time.Time { return time.Now().UTC() },
		interval:    2 * time.Second,
		batch:       50,
		lease:       30 * time.Second,
		maxAttempts: 5,
		backoffBase: 30 * time.Second,
		backoffCap:  time.Hour,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Stats reports one dispatch pass.
type Stats struct {
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Dead      int `json:"dead"`
}

// ProcessOnce claims and works through one batch.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (Stats, error) {
	claimToken := uuid.NewString()
	now := d.now()
	var stats Stats

	batch, err := d.outbox.Claim(ctx, d.batch, claimToken, now, d.lease)
	if err != nil {
		return stats, err
	}

	for _, m := range batch {
		if m.Attempts >= d.maxAttempts {
			// Claimed a row that already exhausted its budget (crashed
			// dispatcher mid-mark). Settle it.
			stats.Dead++
			obs.OutboxDelivery("dead")
			if err := d.outbox.MarkDead(ctx, m.ID, claimToken, "attempt budget exhausted", now); err != nil {
				return stats, err
			}
			continue
		}

		if err := d.sender.Send(ctx, m); err != nil {
			if m.Attempts+1 >= d.maxAttempts {
				stats.Dead++
				obs.OutboxDelivery("dead")
				obs.Error("notification dead-lettered", map[string]any{
					"message_id": m.ID,
					"grant_id":   m.GrantID,
					"template":   m.Template,
					"attempts":   m.Attempts + 1,
					"error":      err.Error(),
				})
				if err := d.outbox.MarkDead(ctx, m.ID, claimToken, err.Error(), now); err != nil {
					return stats, err
				}
				continue
			}
			stats.Retried++
			obs.OutboxDelivery("retried")
			next := now.Add(d.backoff(m.Attempts))
			if err := d.outbox.MarkFailed(ctx, m.ID, claimToken, err.Error(), next); err != nil {
				return stats, err
			}
			continue
		}

		stats.Delivered++
		obs.OutboxDelivery("delivered")
		if err := d.outbox.MarkDelivered(ctx, m.ID, claimToken, now); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Run polls until the context is cancelled. Pass errors are logged, not
// fatal.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ProcessOnce(ctx); err != nil {
				obs.Error("outbox pass failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// backoff doubles per prior attempt: base, 2*base, 4*base, capped.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	b := d.backoffBase
	for i := 0; i < attempts; i++ {
		b *= 2
		if b >= d.backoffCap {
			return d.backoffCap
		}
	}
	return b
}
