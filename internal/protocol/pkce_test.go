package protocol

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestNewVerifier(t *testing.T) {
	v := NewVerifier()
	if len(v) < 43 {
		t.Errorf("verifier length = %d, want >= 43", len(v))
	}
	if strings.ContainsAny(v, "+/=") {
		t.Errorf("verifier %q is not unpadded base64url", v)
	}
	raw, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		t.Fatalf("verifier is not base64url: %v", err)
	}
	if len(raw) < 32 {
		t.Errorf("verifier entropy = %d bytes, want >= 32", len(raw))
	}

	seen := make(map[string]bool)
	for range 100 {
		v := NewVerifier()
		if seen[v] {
			t.Fatalf("NewVerifier produced duplicate value %q", v)
		}
		seen[v] = true
	}
}

func TestChallengeFor(t *testing.T) {
	// RFC 7636 Appendix B
	const verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	const want = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	if got := ChallengeFor(verifier); got != want {
		t.Errorf("ChallengeFor = %q, want %q", got, want)
	}
	if ChallengeFor(verifier) != ChallengeFor(verifier) {
		t.Error("ChallengeFor is not deterministic")
	}
	if ChallengeFor(NewVerifier()) == ChallengeFor(NewVerifier()) {
		t.Error("different verifiers produced the same challenge")
	}
	if strings.ContainsAny(ChallengeFor(verifier), "+/=") {
		t.Error("challenge is not unpadded base64url")
	}
}
