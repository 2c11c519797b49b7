package graph

import (
	"errors"
	"fmt"
	"testing"
)

// TestAPIError_Envelope covers structured body parsing and the unparseable
// fallback.
func TestAPIError_Envelope(t *testing.T) {
	t.Parallel()

	ae := &APIError{
		StatusCode: 400,
		Body:       `{"error": {"message": "Invalid parameter", "type": "OAuthException", "code": 100, "error_subcode": 33, "fbtrace_id": "abc"}}`,
	}
	env, ok := ae.Envelope()
	if !ok {
		t.Fatalf("Envelope() not parsed")
	}
	if env.Message != "Invalid parameter" || env.Code != 100 || env.Subcode != 33 {
		t.Fatalf("env = %+v", env)
	}

	html := &APIError{StatusCode: 502, Body: "<html>Bad Gateway</html>"}
	if _, ok := html.Envelope(); ok {
		t.Fatalf("Envelope() parsed an HTML body")
	}
}

// TestAPIError_MatchesCode verifies the code/subcode pair match.
func TestAPIError_MatchesCode(t *testing.T) {
	t.Parallel()

	ae := &APIError{StatusCode: 400, Body: `{"error": {"code": 100, "error_subcode": 2108006}}`}
	if !ae.MatchesCode(100, 2108006) {
		t.Fatalf("MatchesCode() = false, want true")
	}
	if ae.MatchesCode(100, 33) {
		t.Fatalf("MatchesCode() matched the wrong subcode")
	}

	raw := &APIError{StatusCode: 400, Body: "not json"}
	if raw.MatchesCode(100, 33) {
		t.Fatalf("MatchesCode() matched an unparseable body")
	}
}

// TestAPIError_ContainsPhrase covers the layered case-insensitive search:
// structured message fields, raw body, formatted error string.
func TestAPIError_ContainsPhrase(t *testing.T) {
	t.Parallel()

	structured := &APIError{
		StatusCode: 400,
		Body:       `{"error": {"message": "A Page Access Token is required", "error_user_msg": "Please retry later"}}`,
	}
	if !structured.ContainsPhrase("page access token") {
		t.Fatalf("phrase not found in structured message")
	}
	if !structured.ContainsPhrase("PLEASE RETRY") {
		t.Fatalf("phrase not found in user message")
	}

	raw := &APIError{StatusCode: 400, Body: "media posted before business account conversion"}
	if !raw.ContainsPhrase("Business Account Conversion") {
		t.Fatalf("phrase not found in raw body")
	}

	if raw.ContainsPhrase("something else entirely") {
		t.Fatalf("false positive phrase match")
	}
}

// TestIsStatus covers exact and class matching through wrapped errors.
func TestIsStatus(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("load account: %w", &APIError{StatusCode: 404, Body: "{}"})

	if !IsStatus(err, 404) {
		t.Fatalf("IsStatus(404) = false")
	}
	if IsStatus(err, 400) {
		t.Fatalf("IsStatus(400) = true for a 404")
	}
	if !IsStatus(err, 4) {
		t.Fatalf("IsStatus(4) class match = false")
	}
	if IsStatus(err, 5) {
		t.Fatalf("IsStatus(5) class match = true for a 404")
	}
	if IsStatus(errors.New("plain"), 404) {
		t.Fatalf("IsStatus matched a non-API error")
	}
}

// TestAPIError_ErrorTruncatesLongBodies verifies unparseable long bodies are
// truncated in the message.
func TestAPIError_ErrorTruncatesLongBodies(t *testing.T) {
	t.Parallel()

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	ae := &APIError{StatusCode: 502, Body: string(long)}
	if msg := ae.Error(); len(msg) > 400 {
		t.Fatalf("Error() length = %d, want truncated", len(msg))
	}
}
