package protocol

import (
	"regexp"
	"strings"
)

// CleanGoErrorMessage removes Go HTTP client prefixes like `Post "http://...": `.
func CleanGoErrorMessage(msg string) string {
	for _, method := range []string{"Get", "Post", "Head", "Put", "Delete", "Patch"} {
		prefix := method + " \""
		if strings.HasPrefix(msg, prefix) {
			if idx := strings.Index(msg[len(prefix):], "\": "); idx >= 0 {
				return msg[len(prefix)+idx+3:]
			}
		}
	}
	return msg
}

// BearerChallenge holds the RFC 6750 fields of a WWW-Authenticate header.
type BearerChallenge struct {
	Error       string
	Description string
	URI         string
}

// InvalidToken reports whether the resource server rejected the presented token.
func (c BearerChallenge) InvalidToken() bool {
	return c.Error == "invalid_token"
}

var wwwAuthParamRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseBearerChallenge extracts error, error_description, and error_uri
// from a Bearer WWW-Authenticate header value. ok is false for other schemes.
func ParseBearerChallenge(value string) (c BearerChallenge, ok bool) {
	scheme, params, _ := strings.Cut(strings.TrimSpace(value), " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return c, false
	}
	for _, match := range wwwAuthParamRe.FindAllStringSubmatch(params, -1) {
		switch match[1] {
		case "error":
			c.Error = match[2]
		case "error_description":
			c.Description = match[2]
		case "error_uri":
			c.URI = match[2]
		}
	}
	return c, true
}
