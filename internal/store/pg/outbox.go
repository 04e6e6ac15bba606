package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mohan-38/docgrant/internal/ids"
	"github.com/Mohan-38/docgrant/internal/notify"
)

var _ notify.OutboxStore = (*Store)(nil)

const outboxCols = `id, grant_id, recipient, template, payload, status, attempts, next_attempt_at, coalesce(last_error, ''), created_at, updated_at`

func (s *Store) Enqueue(ctx context.Context, m notify.Message) error {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("encode notification payload: %w", err)
	}
	if m.ID == "" {
		m.ID = ids.New()
	}
	if m.Status == "" {
		m.Status = notify.StatusPending
	}
	_, err = s.db.ExecContext(ctx, `
		insert into outbox_messages (id, grant_id, recipient, template, payload, status, attempts, next_attempt_at, last_error, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, m.ID, m.GrantID, m.Recipient, m.Template, payload, m.Status, m.Attempts, m.NextAttemptAt, nullIfEmpty(m.LastError), m.CreatedAt, m.UpdatedAt)
	return err
}

// Claim leases a due batch to one dispatcher. skip locked keeps concurrent
// dispatchers from queueing on each other's rows; a lapsed claim_until makes
// a crashed dispatcher's rows claimable again.
func (s *Store) Claim(ctx context.Context, limit int, claimToken string, now time.Time, lease time.Duration) ([]notify.Message, error) {
	if limit <= 0 || claimToken == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		update outbox_messages
		set claim_token=$1, claim_until=$2, updated_at=$3
		where id in (
			select id from outbox_messages
			where status='pending' and next_attempt_at <= $3
			  and (claim_token is null or claim_until < $3)
			order by next_attempt_at, id
			limit $4
			for update skip locked
		)
		returning `+outboxCols+`
	`, claimToken, now.Add(lease), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notify.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// The mark operations apply only while the claim token still holds the
// lease. Zero rows affected means the lease was lost or the grant cascade
// removed the row; either way the other side owns the outcome now.

func (s *Store) MarkDelivered(ctx context.Context, id, claimToken string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update outbox_messages
		set status='delivered', claim_token=null, claim_until=null, updated_at=$3
		where id=$1 and claim_token=$2
	`, id, claimToken, at)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id, claimToken, errMsg string, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update outbox_messages
		set attempts=attempts+1, last_error=$3, next_attempt_at=$4, claim_token=null, claim_until=null, updated_at=$4
		where id=$1 and claim_token=$2
	`, id, claimToken, errMsg, nextAttempt)
	return err
}

func (s *Store) MarkDead(ctx context.Context, id, claimToken, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update outbox_messages
		set status='dead', attempts=attempts+1, last_error=$3, claim_token=null, claim_until=null, updated_at=$4
		where id=$1 and claim_token=$2
	`, id, claimToken, errMsg, at)
	return err
}

func scanMessage(row rowScanner) (notify.Message, error) {
	var (
		m       notify.Message
		payload []byte
	)
	err := row.Scan(&m.ID, &m.GrantID, &m.Recipient, &m.Template, &payload, &m.Status, &m.Attempts, &m.NextAttemptAt, &m.LastError, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return notify.Message{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m.Payload); err != nil {
			return notify.Message{}, fmt.Errorf("decode notification payload: %w", err)
		}
	}
	return m, nil
}
