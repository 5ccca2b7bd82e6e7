package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies client failures so callers can decide between re-login,
// backing off, and surfacing the error as-is.
type Kind string

const (
	// KindAuthExpired means credential refresh failed (or the backend kept
	// rejecting the refreshed credential). The session has been cleared and
	// the user must log in again.
	KindAuthExpired Kind = "auth_expired"
	// KindRateLimited means the local throttle rejected the request before
	// any network I/O. Safe to retry after the window passes.
	KindRateLimited Kind = "rate_limited"
	// KindExhausted means the retry budget for transient failures was used
	// up. The last underlying error is attached.
	KindExhausted Kind = "exhausted"
	// KindValidation covers 4xx responses other than 401/429. Never retried.
	KindValidation Kind = "validation"
	// KindUnknown covers 5xx responses and anything unclassified.
	KindUnknown Kind = "unknown"
)

// Error is the typed failure returned by Client.Send.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Details json.RawMessage
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Status > 0 {
		msg = http.StatusText(e.Status)
	}
	switch {
	case msg != "" && e.Err != nil:
		return fmt.Sprintf("client: %s: %s: %v", e.Kind, msg, e.Err)
	case msg != "":
		return fmt.Sprintf("client: %s: %s", e.Kind, msg)
	case e.Err != nil:
		return fmt.Sprintf("client: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("client: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a client Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// classifyResponse normalizes a non-retryable error response into a typed
// Error. The backend's error body shape is not guaranteed; the usual
// {code, message, details} envelope is parsed best-effort.
func classifyResponse(resp *Response) *Error {
	kind := KindUnknown
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		kind = KindValidation
	}

	out := &Error{Kind: kind, Status: resp.StatusCode}
	var body struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(resp.Body, &body); err == nil {
		out.Code = body.Code
		out.Message = body.Message
		if out.Message == "" {
			out.Message = body.Error
		}
		out.Details = body.Details
	}
	return out
}
