package grant

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
)

const (
	tokenBytes       = 32
	passwordLength   = 12
	passwordAlphabet = "abcdefghjkmnpqrstuvwxyzABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// NewToken returns a URL-safe credential string: 32 bytes of system entropy,
// base64 raw-URL encoded. Uniqueness is enforced by the store's unique index;
// callers retry once on collision and then give up with ErrTokenCollision.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewCode returns a fixed-width 6-digit verification code suitable for email
// delivery and manual entry.
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// NewPassword returns a temporary portal password. The alphabet omits easily
// confused characters (0/O, 1/l/I).
func NewPassword() (string, error) {
	out := make([]byte, passwordLength)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}
