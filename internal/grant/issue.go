package grant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Mohan-38/docgrant/internal/ids"
)

// Issuance defaults. Every one is overridable per request.
const (
	DefaultExpiresIn    = 72 * time.Hour
	DefaultMaxDownloads = 5
	DefaultWindowStart  = 0
	DefaultWindowEnd    = 23
	DefaultStageDelay   = 24 * time.Hour
)

// Notification templates, one per strategy.
const (
	TemplateMFAIssued         = "mfa_issued"
	TemplateBlockchainIssued  = "blockchain_issued"
	TemplateProgressiveIssued = "progressive_issued"
	TemplatePortalIssued      = "portal_issued"
	TemplateQRIssued          = "qr_issued"
)

// Review stages unlock in this order; unknown labels sort after, by first
// appearance. Documents without a stage fall into the final stage.
var stageRank = map[string]int{
	"review_1": 0,
	"review_2": 1,
	"review_3": 2,
	"final":    3,
}

const fallbackStage = "final"

// Options tunes one issuance. Zero values mean defaults.
type Options struct {
	ExpiresIn    time.Duration
	MaxDownloads int
	WindowStart  int
	WindowEnd    int
	StageDelay   time.Duration
	AllowedIPs   []string
}

func (o Options) withDefaults() Options {
	if o.ExpiresIn <= 0 {
		o.ExpiresIn = DefaultExpiresIn
	}
	if o.MaxDownloads <= 0 {
		o.MaxDownloads = DefaultMaxDownloads
	}
	if o.WindowStart < 0 || o.WindowStart > 23 {
		o.WindowStart = DefaultWindowStart
	}
	if o.WindowEnd <= 0 || o.WindowEnd > 23 {
		o.WindowEnd = DefaultWindowEnd
	}
	if o.StageDelay <= 0 {
		o.StageDelay = DefaultStageDelay
	}
	return o
}

// IssueRequest describes one grant to create. Documents carry the source
// reference and blob path; ids and counters are assigned here.
type IssueRequest struct {
	OrderRef      string
	Recipient     string
	RecipientName string
	Strategy      Strategy
	Documents     []Document
	Options       Options
}

// Descriptor is the shareable access descriptor returned to the caller.
// Portal temporary passwords are delivered out of band only and never appear
// here.
type Descriptor struct {
	GrantID         string        `json:"grant_id"`
	Strategy        Strategy      `json:"strategy"`
	Token           string        `json:"token,omitempty"`
	URL             string        `json:"url,omitempty"`
	ExpiresAt       time.Time     `json:"expires_at"`
	TxID            string        `json:"tx_id,omitempty"`
	ProofOfDelivery string        `json:"proof_of_delivery,omitempty"`
	Schedule        []StageStatus `json:"schedule,omitempty"`
}

// Issuer builds and persists grants. Creation and the queued notification are
// one atomic store write; actual delivery happens later, off the issuance
// path.
type Issuer struct {
	store    Store
	attestor Attestor
	now      func() time.Time
	baseURL  string
	defaults Options
}

type IssuerOption func(*Issuer)

// WithIssuerClock overrides the issuance clock. Test hook.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// WithAttestor replaces the synthetic blockchain attestor.
func WithAttestor(a Attestor) IssuerOption {
	return func(i *Issuer) { i.attestor = a }
}

// WithBaseURL sets the public base for shareable access links.
func WithBaseURL(u string) IssuerOption {
	return func(i *Issuer) { i.baseURL = strings.TrimRight(u, "/") }
}

// WithIssueDefaults overrides the built-in option defaults service-wide.
func WithIssueDefaults(o Options) IssuerOption {
	return func(i *Issuer) { i.defaults = o }
}

func NewIssuer(store Store, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		store:    store,
		attestor: NewSyntheticAttestor(),
		now:      func() time.Time { return time.Now().UTC() },
		baseURL:  "http://localhost:8080",
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue creates one grant under the requested strategy and returns its
// descriptor. On a token collision the whole build is retried once with fresh
// credentials; a second collision aborts with ErrTokenCollision.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (Descriptor, error) {
	if !req.Strategy.Valid() {
		return Descriptor{}, ErrInvalidStrategy
	}
	if len(req.Documents) == 0 {
		return Descriptor{}, ErrNoDocuments
	}
	identity := NormalizeIdentity(req.Recipient)
	if identity == "" || !strings.Contains(identity, "@") {
		return Descriptor{}, ErrInvalidIdentity
	}
	req.Recipient = identity
	req.Options = i.mergeOptions(req.Options)

	for attempt := 0; attempt < 2; attempt++ {
		g, docs, note, desc, err := i.build(ctx, req)
		if err != nil {
			return Descriptor{}, err
		}
		err = i.store.Create(ctx, g, docs, note)
		if errors.Is(err, ErrTokenCollision) {
			continue
		}
		if err != nil {
			return Descriptor{}, fmt.Errorf("persist grant: %w", err)
		}
		return desc, nil
	}
	return Descriptor{}, ErrTokenCollision
}

func (i *Issuer) mergeOptions(o Options) Options {
	if o.ExpiresIn <= 0 {
		o.ExpiresIn = i.defaults.ExpiresIn
	}
	if o.MaxDownloads <= 0 {
		o.MaxDownloads = i.defaults.MaxDownloads
	}
	if o.WindowStart <= 0 {
		o.WindowStart = i.defaults.WindowStart
	}
	if o.WindowEnd <= 0 {
		o.WindowEnd = i.defaults.WindowEnd
	}
	if o.StageDelay <= 0 {
		o.StageDelay = i.defaults.StageDelay
	}
	return o.withDefaults()
}

func (i *Issuer) build(ctx context.Context, req IssueRequest) (*Grant, []Document, *Notification, Descriptor, error) {
	now := i.now()
	token, err := NewToken()
	if err != nil {
		return nil, nil, nil, Descriptor{}, err
	}

	g := &Grant{
		ID:            ids.New(),
		Token:         token,
		Strategy:      req.Strategy,
		Recipient:     req.Recipient,
		RecipientName: req.RecipientName,
		OrderRef:      req.OrderRef,
		ExpiresAt:     now.Add(req.Options.ExpiresIn),
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	docs := make([]Document, len(req.Documents))
	copy(docs, req.Documents)
	for j := range docs {
		docs[j].ID = ids.New()
		docs[j].GrantID = g.ID
		docs[j].DownloadCount = 0
		docs[j].Available = true
	}

	desc := Descriptor{
		GrantID:   g.ID,
		Strategy:  g.Strategy,
		Token:     g.Token,
		URL:       i.link(g.Strategy, g.Token),
		ExpiresAt: g.ExpiresAt,
	}
	payload := map[string]string{
		"recipient_name": req.RecipientName,
		"order_ref":      req.OrderRef,
		"access_url":     desc.URL,
		"expires_at":     g.ExpiresAt.Format(time.RFC3339),
	}
	note := &Notification{
		Recipient: req.Recipient,
		Payload:   payload,
		CreatedAt: now,
	}

	switch req.Strategy {
	case StrategyMFA:
		code, err := NewCode()
		if err != nil {
			return nil, nil, nil, Descriptor{}, err
		}
		g.MFA = &MFAState{
			Code:         code,
			AllowedIPs:   req.Options.AllowedIPs,
			WindowStart:  req.Options.WindowStart,
			WindowEnd:    req.Options.WindowEnd,
			MaxDownloads: req.Options.MaxDownloads,
		}
		note.Template = TemplateMFAIssued
		payload["code"] = code
		return g, docs, note, desc, nil

	case StrategyBlockchain:
		hashes := make([]string, len(docs))
		for j := range docs {
			hashes[j] = DocumentHash(docs[j])
		}
		txID, proof, err := i.attestor.Attest(ctx, req.OrderRef, hashes)
		if err != nil {
			return nil, nil, nil, Descriptor{}, fmt.Errorf("attest delivery: %w", err)
		}
		g.Blockchain = &BlockchainState{
			TxID:            txID,
			ProofOfDelivery: proof,
			DocumentHashes:  hashes,
		}
		note.Template = TemplateBlockchainIssued
		payload["tx_id"] = txID
		payload["proof_of_delivery"] = proof
		desc.TxID = txID
		desc.ProofOfDelivery = proof
		return g, docs, note, desc, nil

	case StrategyProgressive:
		stages := buildStages(g.ID, docs, now, req.Options.StageDelay)
		g.Progressive = &ProgressiveState{Stages: stages}
		schedule := make([]StageStatus, 0, len(stages))
		var lines []string
		for _, s := range stages {
			schedule = append(schedule, StageStatus{
				Stage:    s.Stage,
				UnlockAt: s.UnlockAt,
				Unlocked: s.Unlocked,
			})
			lines = append(lines, s.Stage+"="+s.UnlockAt.Format(time.RFC3339))
		}
		desc.Schedule = schedule
		note.Template = TemplateProgressiveIssued
		payload["schedule"] = strings.Join(lines, ",")
		// The schedule is the payload; no separate line items.
		return g, nil, note, desc, nil

	case StrategyPortal:
		password, err := NewPassword()
		if err != nil {
			return nil, nil, nil, Descriptor{}, err
		}
		hash, err := HashPassword(password)
		if err != nil {
			return nil, nil, nil, Descriptor{}, err
		}
		g.Portal = &PortalState{PasswordHash: hash}
		note.Template = TemplatePortalIssued
		payload["password"] = password
		return g, docs, note, desc, nil

	case StrategyQR:
		g.QR = &QRState{Documents: docs}
		note.Template = TemplateQRIssued
		// The QR payload is the access URL itself.
		return g, nil, note, desc, nil
	}

	return nil, nil, nil, Descriptor{}, ErrInvalidStrategy
}

func (i *Issuer) link(s Strategy, token string) string {
	return fmt.Sprintf("%s/access/%s/%s", i.baseURL, s, token)
}

// buildStages partitions documents by review stage and assigns each stage an
// unlock delay: first stage immediate, each subsequent one StageDelay later.
func buildStages(grantID string, docs []Document, now time.Time, delay time.Duration) []UnlockEntry {
	groups := make(map[string][]Document)
	firstSeen := make(map[string]int)
	for idx, d := range docs {
		stage := d.Stage
		if stage == "" {
			stage = fallbackStage
		}
		if _, ok := groups[stage]; !ok {
			firstSeen[stage] = idx
		}
		groups[stage] = append(groups[stage], d)
	}

	names := make([]string, 0, len(groups))
	for stage := range groups {
		names = append(names, stage)
	}
	sort.SliceStable(names, func(a, b int) bool {
		ra, oka := stageRank[names[a]]
		rb, okb := stageRank[names[b]]
		switch {
		case oka && okb:
			return ra < rb
		case oka:
			return true
		case okb:
			return false
		default:
			return firstSeen[names[a]] < firstSeen[names[b]]
		}
	})

	entries := make([]UnlockEntry, 0, len(names))
	for idx, stage := range names {
		d := time.Duration(idx) * delay
		entry := UnlockEntry{
			ID:        ids.New(),
			GrantID:   grantID,
			Stage:     stage,
			UnlockAt:  now.Add(d),
			Documents: groups[stage],
			Unlocked:  d == 0,
		}
		if entry.Unlocked {
			t := now
			entry.UnlockedAt = &t
		}
		entries = append(entries, entry)
	}
	return entries
}
