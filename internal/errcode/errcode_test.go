package errcode

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOfUnwrapsChains(t *testing.T) {
	base := New(CodeTokenExpired, "token expired at 2026-01-01T00:00:00Z")
	wrapped := fmt.Errorf("verifying request: %w", base)

	if got := CodeOf(wrapped); got != CodeTokenExpired {
		t.Errorf("CodeOf(wrapped) = %s, want %s", got, CodeTokenExpired)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, CodeInternal)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeTokenExpired, http.StatusUnauthorized},
		{CodeKeyNotFound, http.StatusUnauthorized},
		{CodeMissingRequiredClaim, http.StatusUnauthorized},
		{CodeTooManyBuckets, http.StatusBadRequest},
		{CodeRateLimit, http.StatusTooManyRequests},
		{CodeNoActiveSyncRules, http.StatusServiceUnavailable},
		{CodeJWKSFetchFailed, http.StatusServiceUnavailable},
		{CodeSyncLockTimeout, http.StatusServiceUnavailable},
		{CodeInternal, http.StatusInternalServerError},
		{CodeAssertion, http.StatusInternalServerError},
		{CodeMaxTxRetries, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := HTTPStatus(New(tt.code, "x")); got != tt.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}

func TestWithHintDoesNotMutate(t *testing.T) {
	base := New(CodeKeyNotFound, "no key matches kid abc")
	hinted := base.WithHint("configure the JWKS URI for your auth provider")

	if base.Hint != "" {
		t.Errorf("base hint mutated to %q", base.Hint)
	}
	if hinted.Hint == "" || hinted.Code != base.Code {
		t.Errorf("hinted = %+v, want same code with hint", hinted)
	}
}

func TestErrorJSONShape(t *testing.T) {
	b, err := json.Marshal(New(CodeAudMismatch, "aud not accepted").WithHint("check audiences"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"error_code":"AUD_MISMATCH","message":"aud not accepted","hint":"check audiences"}`
	if string(b) != want {
		t.Errorf("json = %s, want %s", b, want)
	}

	// Hint must be omitted when empty.
	b, _ = json.Marshal(New(CodeInternal, "boom"))
	if string(b) != `{"error_code":"INTERNAL_ERROR","message":"boom"}` {
		t.Errorf("json without hint = %s", b)
	}
}

func TestAsErrorWrapsUncoded(t *testing.T) {
	e := AsError(errors.New("pool exhausted"))
	if e.Code != CodeInternal || e.Message != "pool exhausted" {
		t.Errorf("AsError = %+v", e)
	}
}

func TestAssertionf(t *testing.T) {
	err := Assertionf("op id went backwards: %d then %d", 7, 5)
	if CodeOf(err) != CodeAssertion {
		t.Errorf("CodeOf = %s, want %s", CodeOf(err), CodeAssertion)
	}
	if err.Message != "op id went backwards: 7 then 5" {
		t.Errorf("message = %q", err.Message)
	}
}
