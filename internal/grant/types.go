package grant

import (
	"strings"
	"time"
)

// Strategy selects the delivery variant and which verification gates apply.
type Strategy string

const (
	StrategyMFA         Strategy = "mfa"
	StrategyBlockchain  Strategy = "blockchain"
	StrategyProgressive Strategy = "progressive"
	StrategyPortal      Strategy = "portal"
	StrategyQR          Strategy = "qr"
)

// Valid reports whether s is one of the five supported strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyMFA, StrategyBlockchain, StrategyProgressive, StrategyPortal, StrategyQR:
		return true
	}
	return false
}

// Grant is one access grant: a token bound to a recipient identity, gating a
// set of purchased documents until it expires or is revoked. Exactly one of
// the variant payloads is non-nil and matches Strategy.
type Grant struct {
	ID            string    `json:"id"`
	Token         string    `json:"token"`
	Strategy      Strategy  `json:"strategy"`
	Recipient     string    `json:"recipient"` // email, stored lower-cased
	RecipientName string    `json:"recipient_name,omitempty"`
	OrderRef      string    `json:"order_ref"`
	ExpiresAt     time.Time `json:"expires_at"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	MFA         *MFAState         `json:"mfa,omitempty"`
	Blockchain  *BlockchainState  `json:"blockchain,omitempty"`
	Progressive *ProgressiveState `json:"progressive,omitempty"`
	Portal      *PortalState      `json:"portal,omitempty"`
	QR          *QRState          `json:"qr,omitempty"`
}

// MFAState carries the email+OTP variant. The code is compared, never served.
type MFAState struct {
	Code              string   `json:"-"`
	Verified          bool     `json:"verified"`
	DeviceFingerprint string   `json:"device_fingerprint,omitempty"`
	AllowedIPs        []string `json:"allowed_ips,omitempty"`
	WindowStart       int      `json:"window_start"` // hour of day, 0-23
	WindowEnd         int      `json:"window_end"`
	DownloadCount     int      `json:"download_count"`
	MaxDownloads      int      `json:"max_downloads"`
}

// BlockchainState records the attestation for one proof bundle. TxID is
// immutable once set.
type BlockchainState struct {
	TxID            string   `json:"tx_id"`
	ProofOfDelivery string   `json:"proof_of_delivery"`
	DocumentHashes  []string `json:"document_hashes"`
}

// ProgressiveState holds the time-gated unlock schedule.
type ProgressiveState struct {
	Stages []UnlockEntry `json:"stages"`
}

// PortalState carries credential login. The bcrypt hash never leaves the store.
type PortalState struct {
	PasswordHash    string     `json:"-"`
	PasswordChanged bool       `json:"password_changed"`
	LastLogin       *time.Time `json:"last_login,omitempty"`
}

// QRState embeds the documents payload inline; Scanned is monotonic.
type QRState struct {
	Documents  []Document `json:"documents"`
	Scanned    bool       `json:"scanned"`
	ScannedAt  *time.Time `json:"scanned_at,omitempty"`
	DeviceInfo string     `json:"device_info,omitempty"`
}

// Document is a line item owned by its grant: a denormalized reference to one
// purchased document plus its per-item counters.
type Document struct {
	ID            string `json:"id"`
	GrantID       string `json:"grant_id,omitempty"`
	SourceID      string `json:"source_id"`
	Name          string `json:"name"`
	Path          string `json:"path"` // blob store key
	Category      string `json:"category,omitempty"`
	Stage         string `json:"stage,omitempty"`
	DownloadCount int    `json:"download_count"`
	Available     bool   `json:"available"`
}

// UnlockEntry is one time-gated stage of a progressive grant. Unlocked flips
// false to true exactly once, when the clock passes UnlockAt.
type UnlockEntry struct {
	ID         string     `json:"id"`
	GrantID    string     `json:"grant_id,omitempty"`
	Stage      string     `json:"stage"`
	UnlockAt   time.Time  `json:"unlock_at"`
	Documents  []Document `json:"documents"`
	Unlocked   bool       `json:"unlocked"`
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
}

// Hints is opaque client attribution recorded for audit only. Never used for
// policy decisions except where a variant explicitly stores it.
type Hints struct {
	IP                string `json:"ip,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

// Reason names one denial cause. Checks run in a fixed order and the first
// failure wins, so a decision always carries exactly one reason.
type Reason string

const (
	ReasonInvalidToken         Reason = "invalid_token"
	ReasonExpired              Reason = "expired"
	ReasonIdentityMismatch     Reason = "identity_mismatch"
	ReasonQuotaExceeded        Reason = "quota_exceeded"
	ReasonOutsideWindow        Reason = "outside_window"
	ReasonNotYetUnlocked       Reason = "not_yet_unlocked"
	ReasonVerificationRequired Reason = "verification_required"
	ReasonCodeMismatch         Reason = "code_mismatch"
	ReasonTooManyAttempts      Reason = "too_many_attempts"
	ReasonInvalidCredentials   Reason = "invalid_credentials"
)

// Decision is the outcome of one verification attempt. Denials are values,
// not errors: an error alongside a zero Decision means infrastructure failed,
// not that policy denied.
type Decision struct {
	Allowed   bool          `json:"allowed"`
	Reason    Reason        `json:"reason,omitempty"`
	GrantID   string        `json:"grant_id,omitempty"`
	Strategy  Strategy      `json:"strategy,omitempty"`
	Documents []Document    `json:"documents,omitempty"`
	Stages    []StageStatus `json:"stages,omitempty"`

	// Challenge reports two-phase MFA progress on the relevant operations.
	Challenge *ChallengeStatus `json:"challenge,omitempty"`
	// Attestation is included when resolving a blockchain grant.
	Attestation *BlockchainState `json:"attestation,omitempty"`
	// PasswordChangeRequired is set on portal logins that still use the
	// temporary password.
	PasswordChangeRequired bool `json:"password_change_required,omitempty"`
}

// ChallengeStatus is the public view of an MFA challenge.
type ChallengeStatus struct {
	State        ChallengeState `json:"state"`
	AttemptsLeft int            `json:"attempts_left"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// StageStatus is the public view of one unlock stage. Documents are included
// only once the stage is visible.
type StageStatus struct {
	Stage     string     `json:"stage"`
	UnlockAt  time.Time  `json:"unlock_at"`
	Unlocked  bool       `json:"unlocked"`
	Documents []Document `json:"documents,omitempty"`
}

func deny(g *Grant, reason Reason) Decision {
	d := Decision{Allowed: false, Reason: reason}
	if g != nil {
		d.GrantID = g.ID
		d.Strategy = g.Strategy
	}
	return d
}

// NormalizeIdentity lower-cases and trims an email so comparisons are
// case-insensitive everywhere.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// IdentityMatches compares a presented identity against the grant recipient.
func IdentityMatches(grantIdentity, presented string) bool {
	return NormalizeIdentity(grantIdentity) == NormalizeIdentity(presented) &&
		NormalizeIdentity(presented) != ""
}
