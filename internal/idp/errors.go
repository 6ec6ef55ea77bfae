package idp

import (
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/oauth2"
)

var (
	// ErrStateMismatch reports a callback whose state does not match the one issued.
	ErrStateMismatch = errors.New("state mismatch")
	// ErrMissingVerifier reports a callback for which no code verifier was stored.
	ErrMissingVerifier = errors.New("missing code verifier")
	// ErrTokenExchangeFailed reports a provider rejection of a code or credential grant.
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	// ErrRefreshFailed reports any failed refresh grant.
	ErrRefreshFailed = errors.New("refresh failed")
	// ErrNetwork reports a provider that could not be reached.
	ErrNetwork = errors.New("network error")
)

// Error describes a failed provider operation. It matches its sentinel kind
// with errors.Is and unwraps to the underlying cause.
type Error struct {
	Op          string
	Code        string // RFC 6749 "error"
	Description string // RFC 6749 "error_description"
	StatusCode  int

	kinds []error
	cause error
}

func (e *Error) Error() string {
	msg := "idp " + e.Op
	if len(e.kinds) > 0 {
		msg += ": " + e.kinds[0].Error()
	}
	switch {
	case e.Code != "" && e.Description != "":
		msg += fmt.Sprintf(": %s (%s)", e.Code, e.Description)
	case e.Code != "":
		msg += ": " + e.Code
	case e.cause != nil:
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := append([]error(nil), e.kinds...)
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

func newError(op string, kind error) *Error {
	return &Error{Op: op, kinds: []error{kind}}
}

// classify turns an oauth2 failure into an *Error of the given kind.
func classify(op string, err error, kind error) *Error {
	e := &Error{Op: op, kinds: []error{kind}, cause: err}
	code, desc, status := extractOAuthError(err)
	e.Code, e.Description, e.StatusCode = code, desc, status
	var ue *url.Error
	if status == 0 && errors.As(err, &ue) {
		e.kinds = append(e.kinds, ErrNetwork)
	}
	return e
}

// extractOAuthError extracts RFC 6749 error fields from an oauth2.RetrieveError.
// Returns empty values if err is not an oauth2.RetrieveError.
func extractOAuthError(err error) (code, description string, status int) {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return re.ErrorCode, re.ErrorDescription, status
	}
	return "", "", 0
}
