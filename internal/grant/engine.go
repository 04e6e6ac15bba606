package grant

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/Mohan-38/docgrant/internal/ids"
)

// Engine decides ALLOW/DENY for presented tokens. Base checks (resolution,
// expiry, active flag, identity binding) run once for every operation; the
// variant gates run after them in a fixed order, and the first failing check
// determines the reported reason. Every call records exactly one attempt.
type Engine struct {
	store      Store
	challenges ChallengeStore
	sink       AttemptSink

	now            func() time.Time
	challengeTTL   time.Duration
	codeAttemptCap int
}

type EngineOption func(*Engine)

// WithClock overrides the engine clock. Test hook.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithAttemptSink wires the audit destination for verification attempts.
func WithAttemptSink(s AttemptSink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithChallenges replaces the default in-memory MFA challenge store.
func WithChallenges(cs ChallengeStore) EngineOption {
	return func(e *Engine) { e.challenges = cs }
}

// WithChallengeTTL bounds how long an MFA challenge stays answerable.
func WithChallengeTTL(d time.Duration) EngineOption {
	return func(e *Engine) { e.challengeTTL = d }
}

// WithCodeAttemptCap bounds wrong-code submissions per challenge.
func WithCodeAttemptCap(n int) EngineOption {
	return func(e *Engine) { e.codeAttemptCap = n }
}

func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:          store,
		challenges:     NewMemoryChallenges(),
		now:            func() time.Time { return time.Now().UTC() },
		challengeTTL:   15 * time.Minute,
		codeAttemptCap: 5,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verify is the download-path verification: base checks, variant gates, and
// quota consumption, all audited.
func (e *Engine) Verify(ctx context.Context, token, identity string, hints Hints) (Decision, error) {
	return e.verify(ctx, token, identity, "", hints)
}

// VerifyDocument verifies and consumes quota for one specific line item.
// The document must belong to the grant and be available.
func (e *Engine) VerifyDocument(ctx context.Context, token, identity, documentID string, hints Hints) (Decision, error) {
	return e.verify(ctx, token, identity, documentID, hints)
}

func (e *Engine) verify(ctx context.Context, token, identity, documentID string, hints Hints) (Decision, error) {
	g, denied, err := e.resolveToken(ctx, token, identity, hints, true)
	if err != nil {
		return Decision{}, err
	}
	if denied != nil {
		return *denied, nil
	}

	switch g.Strategy {
	case StrategyMFA:
		return e.verifyMFA(ctx, g, identity, documentID, hints)
	case StrategyProgressive:
		return e.verifyProgressive(ctx, g, identity, hints)
	case StrategyQR:
		return e.verifyQR(ctx, g, identity, hints)
	case StrategyPortal, StrategyBlockchain:
		return e.verifyLineItems(ctx, g, identity, documentID, hints)
	default:
		return Decision{}, ErrInvalidStrategy
	}
}

// Resolve is the status path behind the shareable link: base checks and
// variant views without quota consumption. QR grants flip their scanned flag
// here, on first successful resolution.
func (e *Engine) Resolve(ctx context.Context, token, identity string, hints Hints) (Decision, error) {
	g, denied, err := e.resolveToken(ctx, token, identity, hints, true)
	if err != nil {
		return Decision{}, err
	}
	if denied != nil {
		return *denied, nil
	}

	switch g.Strategy {
	case StrategyMFA:
		return e.resolveMFA(ctx, g, identity, hints)
	case StrategyProgressive:
		return e.verifyProgressive(ctx, g, identity, hints)
	case StrategyQR:
		return e.verifyQR(ctx, g, identity, hints)
	case StrategyBlockchain:
		d := allow(g)
		d.Attestation = g.Blockchain
		docs, err := e.store.Documents(ctx, g.ID)
		if err != nil {
			return Decision{}, fmt.Errorf("load documents: %w", err)
		}
		d.Documents = available(docs)
		e.record(ctx, g, identity, hints, d)
		return d, nil
	case StrategyPortal:
		// Portal resolution confirms the link only; documents require login.
		d := allow(g)
		e.record(ctx, g, identity, hints, d)
		return d, nil
	default:
		return Decision{}, ErrInvalidStrategy
	}
}

// BeginMFA is phase one of the two-step protocol: a matching identity moves
// the challenge to pending_code.
func (e *Engine) BeginMFA(ctx context.Context, token, identity string, hints Hints) (Decision, error) {
	g, denied, err := e.resolveToken(ctx, token, identity, hints, true)
	if err != nil {
		return Decision{}, err
	}
	if denied != nil {
		return *denied, nil
	}
	if g.Strategy != StrategyMFA {
		return Decision{}, ErrWrongStrategy
	}

	c := Challenge{
		Token:     token,
		State:     ChallengePendingCode,
		Identity:  NormalizeIdentity(identity),
		CreatedAt: e.now(),
		ExpiresAt: e.now().Add(e.challengeTTL),
	}
	if err := e.challenges.Put(ctx, c, e.challengeTTL); err != nil {
		return Decision{}, fmt.Errorf("store challenge: %w", err)
	}

	d := allow(g)
	d.Challenge = &ChallengeStatus{
		State:        c.State,
		AttemptsLeft: e.codeAttemptCap,
		ExpiresAt:    c.ExpiresAt,
	}
	e.record(ctx, g, identity, hints, d)
	return d, nil
}

// CompleteMFA is phase two: a correct code marks the grant verified and
// records the device fingerprint. Wrong codes burn challenge attempts; at the
// cap the challenge is invalidated and the client must restart.
func (e *Engine) CompleteMFA(ctx context.Context, token, identity, code, fingerprint string, hints Hints) (Decision, error) {
	g, denied, err := e.resolveToken(ctx, token, identity, hints, true)
	if err != nil {
		return Decision{}, err
	}
	if denied != nil {
		return *denied, nil
	}
	if g.Strategy != StrategyMFA {
		return Decision{}, ErrWrongStrategy
	}

	c, err := e.challenges.Get(ctx, token)
	if errors.Is(err, ErrNoChallenge) {
		d := deny(g, ReasonVerificationRequired)
		e.record(ctx, g, identity, hints, d)
		return d, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load challenge: %w", err)
	}
	if c.State != ChallengePendingCode || !IdentityMatches(c.Identity, identity) {
		d := deny(g, ReasonVerificationRequired)
		e.record(ctx, g, identity, hints, d)
		return d, nil
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(g.MFA.Code)) != 1 {
		c.Attempts++
		if c.Attempts >= e.codeAttemptCap {
			if err := e.challenges.Delete(ctx, token); err != nil {
				return Decision{}, fmt.Errorf("invalidate challenge: %w", err)
			}
			d := deny(g, ReasonTooManyAttempts)
			e.record(ctx, g, identity, hints, d)
			return d, nil
		}
		if err := e.challenges.Put(ctx, c, c.ExpiresAt.Sub(e.now())); err != nil {
			return Decision{}, fmt.Errorf("store challenge: %w", err)
		}
		d := deny(g, ReasonCodeMismatch)
		d.Challenge = &ChallengeStatus{
			State:        c.State,
			AttemptsLeft: e.codeAttemptCap - c.Attempts,
			ExpiresAt:    c.ExpiresAt,
		}
		e.record(ctx, g, identity, hints, d)
		return d, nil
	}

	g.MFA.Verified = true
	if fingerprint == "" {
		fingerprint = hints.DeviceFingerprint
	}
	g.MFA.DeviceFingerprint = fingerprint
	if err := e.store.Update(ctx, g); err != nil {
		return Decision{}, fmt.Errorf("mark verified: %w", err)
	}

	c.State = ChallengeVerified
	if err := e.challenges.Put(ctx, c, c.ExpiresAt.Sub(e.now())); err != nil {
		return Decision{}, fmt.Errorf("store challenge: %w", err)
	}

	d := allow(g)
	d.Challenge = &ChallengeStatus{
		State:        ChallengeVerified,
		AttemptsLeft: e.codeAttemptCap - c.Attempts,
		ExpiresAt:    c.ExpiresAt,
	}
	e.record(ctx, g, identity, hints, d)
	return d, nil
}

// PortalLogin checks the portal credential pair. The identity is implied by
// the token; the password decides. A login on the temporary password reports
// password_change_required.
func (e *Engine) PortalLogin(ctx context.Context, token, password string, hints Hints) (Decision, error) {
	g, denied, err := e.resolveToken(ctx, token, "", hints, false)
	if err != nil {
		return Decision{}, err
	}
	if denied != nil {
		return *denied, nil
	}
	if g.Strategy != StrategyPortal {
		return Decision{}, ErrWrongStrategy
	}

	if err := VerifyPassword(g.Portal.PasswordHash, password); err != nil {
		d := deny(g, ReasonInvalidCredentials)
		e.record(ctx, g, g.Recipient, hints, d)
		return d, nil
	}

	now := e.now()
	g.Portal.LastLogin = &now
	if err := e.store.Update(ctx, g); err != nil {
		return Decision{}, fmt.Errorf("record login: %w", err)
	}

	docs, err := e.store.Documents(ctx, g.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("load documents: %w", err)
	}

	d := allow(g)
	d.Documents = available(docs)
	d.PasswordChangeRequired = !g.Portal.PasswordChanged
	e.record(ctx, g, g.Recipient, hints, d)
	return d, nil
}

// ChangePortalPassword rotates the portal credential after re-checking the
// current one. Marks the temporary password as replaced.
func (e *Engine) ChangePortalPassword(ctx context.Context, token, current, next string, hints Hints) (Decision, error) {
	g, denied, err := e.resolveToken(ctx, token, "", hints, false)
	if err != nil {
		return Decision{}, err
	}
	if denied != nil {
		return *denied, nil
	}
	if g.Strategy != StrategyPortal {
		return Decision{}, ErrWrongStrategy
	}

	if err := VerifyPassword(g.Portal.PasswordHash, current); err != nil {
		d := deny(g, ReasonInvalidCredentials)
		e.record(ctx, g, g.Recipient, hints, d)
		return d, nil
	}

	hash, err := HashPassword(next)
	if err != nil {
		return Decision{}, err
	}
	g.Portal.PasswordHash = hash
	g.Portal.PasswordChanged = true
	if err := e.store.Update(ctx, g); err != nil {
		return Decision{}, fmt.Errorf("rotate password: %w", err)
	}

	d := allow(g)
	e.record(ctx, g, g.Recipient, hints, d)
	return d, nil
}

// Revoke deactivates a grant out of band. Idempotent; reports whether the
// flag flipped on this call.
func (e *Engine) Revoke(ctx context.Context, grantID string) (bool, error) {
	return e.store.Deactivate(ctx, grantID)
}

// --- variant gates ---

func (e *Engine) verifyMFA(ctx context.Context, g *Grant, identity, documentID string, hints Hints) (Decision, error) {
	docs, err := e.store.Documents(ctx, g.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("load documents: %w", err)
	}
	picked, err := pick(docs, documentID)
	if err != nil {
		return Decision{}, err
	}

	if !g.MFA.Verified {
		d := deny(g, ReasonVerificationRequired)
		e.record(ctx, g, identity, hints, d)
		return d, nil
	}
	if !hourInWindow(e.now().Hour(), g.MFA.WindowStart, g.MFA.WindowEnd) {
		d := deny(g, ReasonOutsideWindow)
		e.record(ctx, g, identity, hints, d)
		return d, nil
	}

	consumed, err := e.store.TryConsumeQuota(ctx, g.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("consume quota: %w", err)
	}
	if !consumed {
		d := deny(g, ReasonQuotaExceeded)
		e.record(ctx, g, identity, hints, d)
		return d, nil
	}
	if documentID != "" {
		if err := e.store.IncrementDocumentCount(ctx, documentID); err != nil {
			return Decision{}, fmt.Errorf("count document download: %w", err)
		}
	}

	d := allow(g)
	d.Documents = picked
	e.record(ctx, g, identity, hints, d)
	return d, nil
}

func (e *Engine) verifyProgressive(ctx context.Context, g *Grant, identity string, hints Hints) (Decision, error) {
	now := e.now()
	stages := make([]StageStatus, 0, len(g.Progressive.Stages))
	var visible []Document
	for i := range g.Progressive.Stages {
		entry := &g.Progressive.Stages[i]
		unlocked := entry.Unlocked
		if !unlocked && !entry.UnlockAt.After(now) {
			// Lazy unlock; the sweeper does the same in bulk.
			if _, err := e.store.MarkUnlocked(ctx, entry.ID, now); err != nil {
				return Decision{}, fmt.Errorf("advance unlock: %w", err)
			}
			unlocked = true
		}
		status := StageStatus{Stage: entry.Stage, UnlockAt: entry.UnlockAt, Unlocked: unlocked}
		if unlocked {
			status.Documents = entry.Documents
			visible = append(visible, entry.Documents...)
		}
		stages = append(stages, status)
	}

	if len(visible) == 0 {
		d := deny(g, ReasonNotYetUnlocked)
		d.Stages = stages
		e.record(ctx, g, identity, hints, d)
		return d, nil
	}

	d := allow(g)
	d.Documents = visible
	d.Stages = stages
	e.record(ctx, g, identity, hints, d)
	return d, nil
}

func (e *Engine) verifyQR(ctx context.Context, g *Grant, identity string, hints Hints) (Decision, error) {
	if !g.QR.Scanned {
		now := e.now()
		g.QR.Scanned = true
		g.QR.ScannedAt = &now
		if g.QR.DeviceInfo == "" {
			g.QR.DeviceInfo = hints.UserAgent
		}
		if err := e.store.Update(ctx, g); err != nil {
			return Decision{}, fmt.Errorf("mark scanned: %w", err)
		}
	}

	d := allow(g)
	d.Documents = g.QR.Documents
	e.record(ctx, g, identity, hints, d)
	return d, nil
}

func (e *Engine) verifyLineItems(ctx context.Context, g *Grant, identity, documentID string, hints Hints) (Decision, error) {
	docs, err := e.store.Documents(ctx, g.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("load documents: %w", err)
	}
	picked, err := pick(docs, documentID)
	if err != nil {
		return Decision{}, err
	}
	if documentID != "" {
		if err := e.store.IncrementDocumentCount(ctx, documentID); err != nil {
			return Decision{}, fmt.Errorf("count document download: %w", err)
		}
	}

	d := allow(g)
	if g.Strategy == StrategyBlockchain {
		d.Attestation = g.Blockchain
	}
	d.Documents = picked
	e.record(ctx, g, identity, hints, d)
	return d, nil
}

func (e *Engine) resolveMFA(ctx context.Context, g *Grant, identity string, hints Hints) (Decision, error) {
	c, err := e.challenges.Get(ctx, g.Token)
	switch {
	case errors.Is(err, ErrNoChallenge):
		c = Challenge{
			Token:     g.Token,
			State:     ChallengePendingIdentity,
			CreatedAt: e.now(),
			ExpiresAt: e.now().Add(e.challengeTTL),
		}
		if err := e.challenges.Put(ctx, c, e.challengeTTL); err != nil {
			return Decision{}, fmt.Errorf("seed challenge: %w", err)
		}
	case err != nil:
		return Decision{}, fmt.Errorf("load challenge: %w", err)
	}

	d := allow(g)
	d.Challenge = &ChallengeStatus{
		State:        c.State,
		AttemptsLeft: e.codeAttemptCap - c.Attempts,
		ExpiresAt:    c.ExpiresAt,
	}
	e.record(ctx, g, identity, hints, d)
	return d, nil
}

// --- shared checks ---

// resolveToken runs the base checks in their fixed order: resolution, expiry
// (with the one-time active flip), active flag, then identity binding when
// the operation carries an identity.
func (e *Engine) resolveToken(ctx context.Context, token, identity string, hints Hints, bindIdentity bool) (*Grant, *Decision, error) {
	g, err := e.store.ByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		d := deny(nil, ReasonInvalidToken)
		e.record(ctx, nil, identity, hints, d)
		return nil, &d, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolve token: %w", err)
	}

	if g.ExpiresAt.Before(e.now()) {
		if g.Active {
			if _, err := e.store.Deactivate(ctx, g.ID); err != nil {
				return nil, nil, fmt.Errorf("deactivate expired grant: %w", err)
			}
		}
		d := deny(g, ReasonExpired)
		e.record(ctx, g, identity, hints, d)
		return nil, &d, nil
	}

	if !g.Active {
		d := deny(g, ReasonInvalidToken)
		e.record(ctx, g, identity, hints, d)
		return nil, &d, nil
	}

	if bindIdentity && !IdentityMatches(g.Recipient, identity) {
		d := deny(g, ReasonIdentityMismatch)
		e.record(ctx, g, identity, hints, d)
		return nil, &d, nil
	}

	return g, nil, nil
}

func (e *Engine) record(ctx context.Context, g *Grant, identity string, hints Hints, d Decision) {
	if e.sink == nil {
		return
	}
	a := Attempt{
		ID:         ids.New(),
		Identity:   NormalizeIdentity(identity),
		IP:         hints.IP,
		UserAgent:  hints.UserAgent,
		Success:    d.Allowed,
		Reason:     d.Reason,
		OccurredAt: e.now(),
	}
	if g != nil {
		a.GrantID = g.ID
	}
	e.sink.Record(ctx, a)
}

func allow(g *Grant) Decision {
	return Decision{Allowed: true, GrantID: g.ID, Strategy: g.Strategy}
}

// hourInWindow treats [start,end] as inclusive hours of day; start > end
// means the window wraps past midnight.
func hourInWindow(h, start, end int) bool {
	if start <= end {
		return h >= start && h <= end
	}
	return h >= start || h <= end
}

func available(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if d.Available {
			out = append(out, d)
		}
	}
	return out
}

// pick selects either all available documents or the one requested. An
// unknown or unavailable id is a caller error, not a policy denial.
func pick(docs []Document, documentID string) ([]Document, error) {
	if documentID == "" {
		return available(docs), nil
	}
	for _, d := range docs {
		if d.ID == documentID {
			if !d.Available {
				return nil, ErrNotFound
			}
			return []Document{d}, nil
		}
	}
	return nil, ErrNotFound
}
