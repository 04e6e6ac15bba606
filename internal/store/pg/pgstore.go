package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Mohan-38/docgrant/internal/grant"
	"github.com/Mohan-38/docgrant/internal/ids"
)

const pgErrUniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

var _ grant.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection. Used by tests.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const grantCols = `
	id, token, strategy, recipient, recipient_name, order_ref,
	expires_at, active, created_at, updated_at,
	mfa_code, mfa_verified, mfa_device_fingerprint, mfa_allowed_ips,
	mfa_window_start, mfa_window_end, download_count, max_downloads,
	tx_id, proof_of_delivery, document_hashes,
	portal_password_hash, portal_password_changed, portal_last_login,
	qr_documents, qr_scanned, qr_scanned_at, qr_device_info`

func (s *Store) Create(ctx context.Context, g *grant.Grant, docs []grant.Document, note *grant.Notification) error {
	row, err := buildVariantRow(g)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into grants (`+grantCols+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,
		        $11,$12,$13,$14,$15,$16,$17,$18,
		        $19,$20,$21,$22,$23,$24,$25,$26,$27,$28)
	`,
		g.ID, g.Token, g.Strategy, g.Recipient, g.RecipientName, g.OrderRef,
		g.ExpiresAt, g.Active, g.CreatedAt, g.UpdatedAt,
		row.mfaCode, row.mfaVerified, row.mfaFingerprint, row.allowedIPs,
		row.windowStart, row.windowEnd, row.downloadCount, row.maxDownloads,
		row.txID, row.proof, row.docHashes,
		row.passwordHash, row.passwordChanged, row.lastLogin,
		row.qrDocuments, row.qrScanned, row.qrScannedAt, row.qrDeviceInfo,
	); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return grant.ErrTokenCollision
		}
		return err
	}

	for _, d := range docs {
		if _, err := tx.ExecContext(ctx, `
			insert into grant_documents (id, grant_id, source_id, name, path, category, stage, download_count, available)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, d.ID, g.ID, d.SourceID, d.Name, d.Path, d.Category, d.Stage, d.DownloadCount, d.Available); err != nil {
			return err
		}
	}

	if g.Progressive != nil {
		for _, e := range g.Progressive.Stages {
			stageDocs, err := json.Marshal(e.Documents)
			if err != nil {
				return fmt.Errorf("encode stage documents: %w", err)
			}
			var unlockedAt sql.NullTime
			if e.UnlockedAt != nil {
				unlockedAt = sql.NullTime{Time: *e.UnlockedAt, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				insert into grant_unlocks (id, grant_id, stage, unlock_at, documents, unlocked, unlocked_at)
				values ($1,$2,$3,$4,$5,$6,$7)
			`, e.ID, g.ID, e.Stage, e.UnlockAt, stageDocs, e.Unlocked, unlockedAt); err != nil {
				return err
			}
		}
	}

	if note != nil {
		payload, err := json.Marshal(note.Payload)
		if err != nil {
			return fmt.Errorf("encode notification payload: %w", err)
		}
		noteID := note.ID
		if noteID == "" {
			noteID = ids.New()
		}
		if _, err := tx.ExecContext(ctx, `
			insert into outbox_messages (id, grant_id, recipient, template, payload, status, attempts, next_attempt_at, created_at, updated_at)
			values ($1,$2,$3,$4,$5,'pending',0,$6,$6,$6)
		`, noteID, g.ID, note.Recipient, note.Template, payload, note.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ByID(ctx context.Context, id string) (*grant.Grant, error) {
	return s.one(ctx, `select `+grantCols+` from grants where id=$1`, id)
}

func (s *Store) ByToken(ctx context.Context, token string) (*grant.Grant, error) {
	return s.one(ctx, `select `+grantCols+` from grants where token=$1`, token)
}

func (s *Store) one(ctx context.Context, query, arg string) (*grant.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if g.Strategy == grant.StrategyProgressive {
		stages, err := s.loadStages(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		g.Progressive.Stages = stages
	}
	return g, nil
}

func (s *Store) ByOrder(ctx context.Context, orderRef string) ([]*grant.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `select `+grantCols+` from grants where order_ref=$1 order by created_at, id`, orderRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*grant.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, g := range out {
		if g.Strategy == grant.StrategyProgressive {
			stages, err := s.loadStages(ctx, g.ID)
			if err != nil {
				return nil, err
			}
			g.Progressive.Stages = stages
		}
	}
	return out, nil
}

// Update writes base and variant fields. Download counters are excluded:
// they move only through TryConsumeQuota and IncrementDocumentCount, so a
// stale snapshot can never roll them back.
func (s *Store) Update(ctx context.Context, g *grant.Grant) error {
	row, err := buildVariantRow(g)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update grants set
			recipient=$2, recipient_name=$3, order_ref=$4, expires_at=$5, active=$6, updated_at=now(),
			mfa_code=$7, mfa_verified=$8, mfa_device_fingerprint=$9, mfa_allowed_ips=$10,
			mfa_window_start=$11, mfa_window_end=$12, max_downloads=$13,
			tx_id=$14, proof_of_delivery=$15, document_hashes=$16,
			portal_password_hash=$17, portal_password_changed=$18, portal_last_login=$19,
			qr_documents=$20, qr_scanned=$21, qr_scanned_at=$22, qr_device_info=$23
		where id=$1
	`,
		g.ID, g.Recipient, g.RecipientName, g.OrderRef, g.ExpiresAt, g.Active,
		row.mfaCode, row.mfaVerified, row.mfaFingerprint, row.allowedIPs,
		row.windowStart, row.windowEnd, row.maxDownloads,
		row.txID, row.proof, row.docHashes,
		row.passwordHash, row.passwordChanged, row.lastLogin,
		row.qrDocuments, row.qrScanned, row.qrScannedAt, row.qrDeviceInfo,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return grant.ErrNotFound
	}
	return nil
}

func (s *Store) Deactivate(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `update grants set active=false, updated_at=now() where id=$1 and active`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `select 1 from grants where id=$1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, grant.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) DeleteByOrder(ctx context.Context, orderRef string) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from grants where order_ref=$1`, orderRef)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) Documents(ctx context.Context, grantID string) ([]grant.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, grant_id, source_id, name, path, category, stage, download_count, available
		from grant_documents where grant_id=$1 order by id
	`, grantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []grant.Document{}
	for rows.Next() {
		var d grant.Document
		if err := rows.Scan(&d.ID, &d.GrantID, &d.SourceID, &d.Name, &d.Path, &d.Category, &d.Stage, &d.DownloadCount, &d.Available); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, `select 1 from grants where id=$1`, grantID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, grant.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TryConsumeQuota races concurrent callers on a single guarded update.
// The database admits exactly as many increments as the remaining budget.
func (s *Store) TryConsumeQuota(ctx context.Context, grantID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update grants
		set download_count = download_count + 1, updated_at = now()
		where id=$1 and strategy='mfa' and download_count < max_downloads
	`, grantID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var strategy string
	err = s.db.QueryRowContext(ctx, `select strategy from grants where id=$1`, grantID).Scan(&strategy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, grant.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if grant.Strategy(strategy) != grant.StrategyMFA {
		return false, grant.ErrWrongStrategy
	}
	return false, nil
}

func (s *Store) IncrementDocumentCount(ctx context.Context, documentID string) error {
	res, err := s.db.ExecContext(ctx, `update grant_documents set download_count = download_count + 1 where id=$1`, documentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return grant.ErrNotFound
	}
	return nil
}

func (s *Store) MarkUnlocked(ctx context.Context, entryID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update grant_unlocks set unlocked=true, unlocked_at=$2
		where id=$1 and not unlocked
	`, entryID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `select 1 from grant_unlocks where id=$1`, entryID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, grant.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update grants set active=false, updated_at=$1
		where active and expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) AdvanceUnlocks(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update grant_unlocks set unlocked=true, unlocked_at=$1
		where not unlocked and unlock_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// --- row mapping ---

type variantRow struct {
	mfaCode         sql.NullString
	mfaVerified     sql.NullBool
	mfaFingerprint  sql.NullString
	allowedIPs      []byte
	windowStart     sql.NullInt64
	windowEnd       sql.NullInt64
	downloadCount   sql.NullInt64
	maxDownloads    sql.NullInt64
	txID            sql.NullString
	proof           sql.NullString
	docHashes       []byte
	passwordHash    sql.NullString
	passwordChanged sql.NullBool
	lastLogin       sql.NullTime
	qrDocuments     []byte
	qrScanned       sql.NullBool
	qrScannedAt     sql.NullTime
	qrDeviceInfo    sql.NullString
}

func buildVariantRow(g *grant.Grant) (variantRow, error) {
	var r variantRow
	if m := g.MFA; m != nil {
		r.mfaCode = sql.NullString{String: m.Code, Valid: true}
		r.mfaVerified = sql.NullBool{Bool: m.Verified, Valid: true}
		r.mfaFingerprint = sql.NullString{String: m.DeviceFingerprint, Valid: true}
		if len(m.AllowedIPs) > 0 {
			b, err := json.Marshal(m.AllowedIPs)
			if err != nil {
				return r, fmt.Errorf("encode allowed ips: %w", err)
			}
			r.allowedIPs = b
		}
		r.windowStart = sql.NullInt64{Int64: int64(m.WindowStart), Valid: true}
		r.windowEnd = sql.NullInt64{Int64: int64(m.WindowEnd), Valid: true}
		r.downloadCount = sql.NullInt64{Int64: int64(m.DownloadCount), Valid: true}
		r.maxDownloads = sql.NullInt64{Int64: int64(m.MaxDownloads), Valid: true}
	}
	if b := g.Blockchain; b != nil {
		r.txID = sql.NullString{String: b.TxID, Valid: true}
		r.proof = sql.NullString{String: b.ProofOfDelivery, Valid: true}
		hashes, err := json.Marshal(b.DocumentHashes)
		if err != nil {
			return r, fmt.Errorf("encode document hashes: %w", err)
		}
		r.docHashes = hashes
	}
	if p := g.Portal; p != nil {
		r.passwordHash = sql.NullString{String: p.PasswordHash, Valid: true}
		r.passwordChanged = sql.NullBool{Bool: p.PasswordChanged, Valid: true}
		if p.LastLogin != nil {
			r.lastLogin = sql.NullTime{Time: *p.LastLogin, Valid: true}
		}
	}
	if q := g.QR; q != nil {
		docs, err := json.Marshal(q.Documents)
		if err != nil {
			return r, fmt.Errorf("encode qr documents: %w", err)
		}
		r.qrDocuments = docs
		r.qrScanned = sql.NullBool{Bool: q.Scanned, Valid: true}
		if q.ScannedAt != nil {
			r.qrScannedAt = sql.NullTime{Time: *q.ScannedAt, Valid: true}
		}
		r.qrDeviceInfo = sql.NullString{String: q.DeviceInfo, Valid: true}
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*grant.Grant, error) {
	var (
		g grant.Grant
		r variantRow
	)
	err := row.Scan(
		&g.ID, &g.Token, &g.Strategy, &g.Recipient, &g.RecipientName, &g.OrderRef,
		&g.ExpiresAt, &g.Active, &g.CreatedAt, &g.UpdatedAt,
		&r.mfaCode, &r.mfaVerified, &r.mfaFingerprint, &r.allowedIPs,
		&r.windowStart, &r.windowEnd, &r.downloadCount, &r.maxDownloads,
		&r.txID, &r.proof, &r.docHashes,
		&r.passwordHash, &r.passwordChanged, &r.lastLogin,
		&r.qrDocuments, &r.qrScanned, &r.qrScannedAt, &r.qrDeviceInfo,
	)
	if err != nil {
		return nil, err
	}

	switch g.Strategy {
	case grant.StrategyMFA:
		m := &grant.MFAState{
			Code:              r.mfaCode.String,
			Verified:          r.mfaVerified.Bool,
			DeviceFingerprint: r.mfaFingerprint.String,
			WindowStart:       int(r.windowStart.Int64),
			WindowEnd:         int(r.windowEnd.Int64),
			DownloadCount:     int(r.downloadCount.Int64),
			MaxDownloads:      int(r.maxDownloads.Int64),
		}
		if len(r.allowedIPs) > 0 {
			if err := json.Unmarshal(r.allowedIPs, &m.AllowedIPs); err != nil {
				return nil, fmt.Errorf("decode allowed ips: %w", err)
			}
		}
		g.MFA = m
	case grant.StrategyBlockchain:
		b := &grant.BlockchainState{
			TxID:            r.txID.String,
			ProofOfDelivery: r.proof.String,
		}
		if len(r.docHashes) > 0 {
			if err := json.Unmarshal(r.docHashes, &b.DocumentHashes); err != nil {
				return nil, fmt.Errorf("decode document hashes: %w", err)
			}
		}
		g.Blockchain = b
	case grant.StrategyPortal:
		p := &grant.PortalState{
			PasswordHash:    r.passwordHash.String,
			PasswordChanged: r.passwordChanged.Bool,
		}
		if r.lastLogin.Valid {
			t := r.lastLogin.Time
			p.LastLogin = &t
		}
		g.Portal = p
	case grant.StrategyQR:
		q := &grant.QRState{
			Scanned:    r.qrScanned.Bool,
			DeviceInfo: r.qrDeviceInfo.String,
		}
		if len(r.qrDocuments) > 0 {
			if err := json.Unmarshal(r.qrDocuments, &q.Documents); err != nil {
				return nil, fmt.Errorf("decode qr documents: %w", err)
			}
		}
		if r.qrScannedAt.Valid {
			t := r.qrScannedAt.Time
			q.ScannedAt = &t
		}
		g.QR = q
	case grant.StrategyProgressive:
		g.Progressive = &grant.ProgressiveState{}
	}
	return &g, nil
}

func (s *Store) loadStages(ctx context.Context, grantID string) ([]grant.UnlockEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, grant_id, stage, unlock_at, documents, unlocked, unlocked_at
		from grant_unlocks where grant_id=$1 order by unlock_at, id
	`, grantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []grant.UnlockEntry
	for rows.Next() {
		var (
			e          grant.UnlockEntry
			docs       []byte
			unlockedAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.GrantID, &e.Stage, &e.UnlockAt, &docs, &e.Unlocked, &unlockedAt); err != nil {
			return nil, err
		}
		if len(docs) > 0 {
			if err := json.Unmarshal(docs, &e.Documents); err != nil {
				return nil, fmt.Errorf("decode stage documents: %w", err)
			}
		}
		if unlockedAt.Valid {
			t := unlockedAt.Time
			e.UnlockedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
