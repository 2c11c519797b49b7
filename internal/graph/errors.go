package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrorEnvelope is the structured error body the graph API returns on 4xx/5xx:
//
//	{"error": {"message": "...", "code": 100, "error_subcode": 33, ...}}
type ErrorEnvelope struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	UserTitle string `json:"error_user_title"`
	UserMsg   string `json:"error_user_msg"`
	TraceID   string `json:"fbtrace_id"`
}

// APIError is a non-2xx response from the graph API with the full response
// context attached for diagnostics. The transport only retries 5xx; any
// APIError reaching a caller is final from the client's point of view.
type APIError struct {
	StatusCode int
	Body       string

	envelope *ErrorEnvelope
	parsed   bool
}

func (e *APIError) Error() string {
	if env, ok := e.Envelope(); ok && env.Message != "" {
		return fmt.Sprintf("graph api: status=%d code=%d subcode=%d: %s", e.StatusCode, env.Code, env.Subcode, env.Message)
	}
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("graph api: status=%d: %s", e.StatusCode, body)
}

// Envelope lazily parses the structured error body. ok is false when the body
// is not the standard error envelope (HTML error pages, proxies, truncation).
func (e *APIError) Envelope() (ErrorEnvelope, bool) {
	if !e.parsed {
		e.parsed = true
		var wrapper struct {
			Error *ErrorEnvelope `json:"error"`
		}
		if err := json.Unmarshal([]byte(e.Body), &wrapper); err == nil && wrapper.Error != nil {
			e.envelope = wrapper.Error
		}
	}
	if e.envelope == nil {
		return ErrorEnvelope{}, false
	}
	return *e.envelope, true
}

// MatchesCode reports whether the structured error carries the given
// code/subcode pair. Returns false when the body is unparseable.
func (e *APIError) MatchesCode(code, subcode int) bool {
	env, ok := e.Envelope()
	return ok && env.Code == code && env.Subcode == subcode
}

// ContainsPhrase performs the layered case-insensitive phrase match used for
// error classification: structured message fields first, then the raw body,
// then the formatted error string.
func (e *APIError) ContainsPhrase(phrase string) bool {
	phrase = strings.ToLower(phrase)

	if env, ok := e.Envelope(); ok {
		msg := strings.ToLower(env.UserTitle + " " + env.UserMsg + " " + env.Message)
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	if strings.Contains(strings.ToLower(e.Body), phrase) {
		return true
	}
	return strings.Contains(strings.ToLower(e.Error()), phrase)
}

// IsStatus reports whether err is an APIError in the given status class
// (e.g. 400 matches exactly; 4 matches any 4xx when class < 100).
func IsStatus(err error, status int) bool {
	ae, ok := AsAPIError(err)
	if !ok {
		return false
	}
	if status < 100 {
		return ae.StatusCode/100 == status
	}
	return ae.StatusCode == status
}

// AsAPIError unwraps err to an *APIError if there is one in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
