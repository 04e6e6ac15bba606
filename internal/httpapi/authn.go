package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	adminKeyHeader = "X-Admin-Key"

	scopePortal = "portal"
	scopeAdmin  = "admin"
)

var ErrInvalidSession = errors.New("httpapi: invalid session")

// Sessions mints and verifies the short-lived JWTs of the HTTP layer: portal
// sessions bound to one access token, and admin bearer tokens minted out of
// band with the same secret and scope "admin".
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Sessions{
		secret: []byte(secret),
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the session clock. Test hook.
func (s *Sessions) WithNow(now func() time.Time) *Sessions {
	s.now = now
	return s
}

type sessionClaims struct {
	Scope string `json:"scope,omitempty"`
	Token string `json:"tok,omitempty"`
	jwt.RegisteredClaims
}

// Issue returns a signed portal session for one grant and the access token it
// was logged in through.
func (s *Sessions) Issue(grantID, accessToken string) (string, error) {
	now := s.now()
	claims := sessionClaims{
		Scope: scopePortal,
		Token: accessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   grantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// IssueAdmin returns an admin-scoped bearer token. Used by operator tooling;
// the API itself only verifies these.
func (s *Sessions) IssueAdmin(subject string) (string, error) {
	now := s.now()
	claims := sessionClaims{
		Scope: scopeAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// VerifyFor checks a portal session against the access token it must be
// bound to and returns the grant id it carries.
func (s *Sessions) VerifyFor(raw, accessToken string) (string, error) {
	claims, err := s.parse(raw)
	if err != nil {
		return "", err
	}
	if claims.Scope != scopePortal || claims.Token == "" || claims.Token != accessToken {
		return "", ErrInvalidSession
	}
	return claims.Subject, nil
}

func (s *Sessions) verifyAdmin(raw string) error {
	claims, err := s.parse(raw)
	if err != nil {
		return err
	}
	if claims.Scope != scopeAdmin {
		return ErrInvalidSession
	}
	return nil
}

func (s *Sessions) parse(raw string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSession
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !tok.Valid {
		return nil, ErrInvalidSession
	}
	return claims, nil
}

// requireAdmin admits requests carrying the static admin key or an
// admin-scoped bearer token. With neither configured the admin surface stays
// locked.
func (a *API) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get(adminKeyHeader); key != "" {
			if a.adminKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(a.adminKey)) == 1 {
				next(w, r)
				return
			}
			writeError(w, r, http.StatusUnauthorized, "invalid admin key")
			return
		}
		if token, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
			if a.sessions != nil && a.sessions.verifyAdmin(token) == nil {
				next(w, r)
				return
			}
			writeError(w, r, http.StatusUnauthorized, "invalid admin token")
			return
		}
		writeError(w, r, http.StatusUnauthorized, "admin credentials required")
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
