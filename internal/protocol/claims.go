package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken reports a bearer token whose payload does not decode to any claims.
var ErrMalformedToken = errors.New("malformed token")

// Claims is the decoded, unverified payload of a bearer token.
type Claims map[string]any

// String returns the claim as a string, or "" when absent or not a string.
func (c Claims) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Empty reports whether no claims were decoded.
func (c Claims) Empty() bool {
	return len(c) == 0
}

var unverifiedParser = jwt.NewParser()

// DecodeClaims decodes a JWT payload without verifying its signature.
// Malformed input never fails: it yields an empty map, which callers must
// treat as "no identity".
func DecodeClaims(token string) Claims {
	if !IsJWT(token) {
		return Claims{}
	}
	mc := jwt.MapClaims{}
	// An unknown alg leaves the payload decoded; only the signature is unusable.
	if _, _, err := unverifiedParser.ParseUnverified(token, mc); err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return decodePayload(token)
	}
	return Claims(mc)
}

// decodePayload reads only the middle segment, for tokens whose header the
// jwt parser rejects.
func decodePayload(token string) Claims {
	seg := strings.Split(token, ".")[1]
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
	if err != nil {
		return Claims{}
	}
	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil || c == nil {
		return Claims{}
	}
	return c
}

// IsJWT returns true if the string has the 3-part JWT structure.
func IsJWT(s string) bool {
	return strings.Count(s, ".") == 2
}

// RolesFromToken unions the realm-wide roles and the roles scoped to clientID.
// Missing claims contribute nothing.
func RolesFromToken(token, clientID string) []string {
	return RolesFromClaims(DecodeClaims(token), clientID)
}

// RolesFromClaims is RolesFromToken for already decoded claims.
func RolesFromClaims(claims Claims, clientID string) []string {
	var roles []string
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		roles = append(roles, stringList(realm["roles"])...)
	}
	if resources, ok := claims["resource_access"].(map[string]any); ok {
		if client, ok := resources[clientID].(map[string]any); ok {
			roles = append(roles, stringList(client["roles"])...)
		}
	}
	return UniqueFold(roles)
}

// UniqueFold drops empty strings and case-insensitive duplicates, keeping
// the first spelling seen.
func UniqueFold(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		k := strings.ToUpper(v)
		if v == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
