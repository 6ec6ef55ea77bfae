package protocol

import "testing"

func TestCleanGoErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{
			name: "Post prefix",
			msg:  `Post "https://idp.example.com/token": context deadline exceeded`,
			want: "context deadline exceeded",
		},
		{
			name: "Get prefix",
			msg:  `Get "http://idp.example.com/auth": dial tcp: lookup idp.example.com: no such host`,
			want: "dial tcp: lookup idp.example.com: no such host",
		},
		{
			name: "no prefix",
			msg:  "connection refused",
			want: "connection refused",
		},
		{
			name: "partial match no colon-space",
			msg:  `Get "http://example.com"`,
			want: `Get "http://example.com"`,
		},
		{
			name: "empty string",
			msg:  "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CleanGoErrorMessage(tt.msg)
			if got != tt.want {
				t.Errorf("CleanGoErrorMessage(%q) = %q, want %q", tt.msg, got, tt.want)
			}
		})
	}
}

func TestParseBearerChallenge(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantOK  bool
		want    BearerChallenge
		invalid bool
	}{
		{
			name:    "error and description",
			value:   `Bearer error="invalid_token", error_description="expired"`,
			wantOK:  true,
			want:    BearerChallenge{Error: "invalid_token", Description: "expired"},
			invalid: true,
		},
		{
			name:   "with error_uri",
			value:  `Bearer error="insufficient_scope", error_description="need admin", error_uri="https://example.com/help"`,
			wantOK: true,
			want:   BearerChallenge{Error: "insufficient_scope", Description: "need admin", URI: "https://example.com/help"},
		},
		{
			name:   "realm only no error",
			value:  `Bearer realm="example"`,
			wantOK: true,
		},
		{
			name:  "basic scheme",
			value: `Basic realm="example"`,
		},
		{
			name:  "empty string",
			value: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseBearerChallenge(tt.value)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("challenge = %+v, want %+v", got, tt.want)
			}
			if got.InvalidToken() != tt.invalid {
				t.Errorf("InvalidToken() = %v, want %v", got.InvalidToken(), tt.invalid)
			}
		})
	}
}
