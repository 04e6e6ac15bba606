package pg

import (
	"context"

	"github.com/Mohan-38/docgrant/internal/audit"
	"github.com/Mohan-38/docgrant/internal/grant"
)

var _ audit.Store = (*Store)(nil)

// Append writes one attempt. audit_entries carries no foreign key to grants:
// the trail must survive grant revocation and order deletion.
func (s *Store) Append(ctx context.Context, a grant.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_entries (id, grant_id, identity, ip, user_agent, success, reason, occurred_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, a.ID, nullIfEmpty(a.GrantID), a.Identity, nullIfEmpty(a.IP), nullIfEmpty(a.UserAgent), a.Success, nullIfEmpty(string(a.Reason)), a.OccurredAt)
	return err
}

func (s *Store) ListByGrant(ctx context.Context, grantID string, limit int) ([]grant.Attempt, error) {
	return s.listAttempts(ctx, `
		select id, coalesce(grant_id, ''), identity, coalesce(ip, ''), coalesce(user_agent, ''), success, coalesce(reason, ''), occurred_at
		from audit_entries where grant_id=$1
		order by occurred_at desc, id desc limit $2
	`, grantID, limit)
}

func (s *Store) ListByIdentity(ctx context.Context, identity string, limit int) ([]grant.Attempt, error) {
	return s.listAttempts(ctx, `
		select id, coalesce(grant_id, ''), identity, coalesce(ip, ''), coalesce(user_agent, ''), success, coalesce(reason, ''), occurred_at
		from audit_entries where identity=$1
		order by occurred_at desc, id desc limit $2
	`, grant.NormalizeIdentity(identity), limit)
}

func (s *Store) listAttempts(ctx context.Context, query, key string, limit int) ([]grant.Attempt, error) {
	if limit <= 0 {
		limit = audit.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, query, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]grant.Attempt, 0, limit)
	for rows.Next() {
		var (
			a      grant.Attempt
			reason string
		)
		if err := rows.Scan(&a.ID, &a.GrantID, &a.Identity, &a.IP, &a.UserAgent, &a.Success, &reason, &a.OccurredAt); err != nil {
			return nil, err
		}
		a.Reason = grant.Reason(reason)
		out = append(out, a)
	}
	return out, rows.Err()
}
