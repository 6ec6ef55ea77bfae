package protocol

import "golang.org/x/oauth2"

// PKCEMethod is the only code challenge method sent to the provider.
const PKCEMethod = "S256"

// NewVerifier returns a PKCE code verifier: 32 random bytes, base64url
// encoded without padding.
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// ChallengeFor derives the S256 code challenge for verifier.
func ChallengeFor(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
