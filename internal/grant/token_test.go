package grant

import (
	"strings"
	"testing"
)

func TestNewTokenIsURLSafe(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 256; i++ {
		tok, err := NewToken()
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if len(tok) != 43 {
			t.Fatalf("token length %d, want 43", len(tok))
		}
		if strings.ContainsAny(tok, "+/=") {
			t.Fatalf("token %q not url safe", tok)
		}
		if seen[tok] {
			t.Fatalf("token %q repeated", tok)
		}
		seen[tok] = true
	}
}

func TestNewCodeFormat(t *testing.T) {
	for i := 0; i < 256; i++ {
		code, err := NewCode()
		if err != nil {
			t.Fatalf("code: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("code length %d, want 6", len(code))
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("code %q has non-digit", code)
			}
		}
	}
}

func TestNewPasswordAvoidsAmbiguousRunes(t *testing.T) {
	for i := 0; i < 64; i++ {
		pw, err := NewPassword()
		if err != nil {
			t.Fatalf("password: %v", err)
		}
		if len(pw) != 12 {
			t.Fatalf("password length %d, want 12", len(pw))
		}
		if strings.ContainsAny(pw, "0O1lI") {
			t.Fatalf("password %q uses ambiguous runes", pw)
		}
	}
}

func TestIdentityNormalization(t *testing.T) {
	if NormalizeIdentity("  Buyer@Example.COM ") != "buyer@example.com" {
		t.Fatal("normalize should trim and lowercase")
	}
	if !IdentityMatches("buyer@example.com", "BUYER@EXAMPLE.COM") {
		t.Fatal("match should ignore case")
	}
	if IdentityMatches("buyer@example.com", "") {
		t.Fatal("empty identity must not match")
	}
}
