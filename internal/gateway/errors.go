package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnexpectedResponse is wrapped by errors for responses that arrived with a
// success status but could not be decoded into the expected entity.
var ErrUnexpectedResponse = errors.New("unexpected response")

// TransportError is a network or HTTP-level failure.
//
// Status is 0 when no response was received (dial failure, timeout,
// cancellation); Err then holds the cause. Message is the server-reported
// detail when present, otherwise "HTTP error {status}".
type TransportError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Status == 0 && e.Err != nil {
		return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Op, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError reports a payload the server rejected (HTTP 400 or 422) or
// one that failed local checks before any request was sent.
type ValidationError struct {
	Op      string
	Message string
	// Fields names the offending fields when they are known.
	Fields []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("gateway: %s: invalid payload (%s): %s", e.Op, strings.Join(e.Fields, ", "), e.Message)
	}
	return fmt.Sprintf("gateway: %s: invalid payload: %s", e.Op, e.Message)
}

// IsNotFound reports whether err is a TransportError carrying HTTP 404.
func IsNotFound(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Status == http.StatusNotFound
}

// StatusCode returns the HTTP status carried by err, or 0 if there is none.
func StatusCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Status
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return http.StatusUnprocessableEntity
	}
	return 0
}

// Message returns the human-readable part of err, without the op prefix,
// suitable for display.
func Message(err error) string {
	var te *TransportError
	if errors.As(err, &te) {
		if te.Status == 0 && te.Err != nil {
			return te.Err.Error()
		}
		return te.Message
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// errorBody is the failure envelope. FastAPI uses "detail"; other backends
// send "message". Either is accepted.
type errorBody struct {
	Detail  any    `json:"detail"`
	Message string `json:"message"`
}

// text extracts the server message. A FastAPI validation detail is a list of
// objects with a "msg" field; those are joined.
func (b *errorBody) text() string {
	switch d := b.Detail.(type) {
	case string:
		if d != "" {
			return d
		}
	case []any:
		var msgs []string
		for _, item := range d {
			if m, ok := item.(map[string]any); ok {
				if s, ok := m["msg"].(string); ok {
					msgs = append(msgs, s)
				}
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return b.Message
}

// fields extracts the offending field names from a FastAPI validation
// detail ("loc": ["body", "riskLevel"]).
func (b *errorBody) fields() []string {
	d, ok := b.Detail.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range d {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		loc, ok := m["loc"].([]any)
		if !ok || len(loc) == 0 {
			continue
		}
		if s, ok := loc[len(loc)-1].(string); ok {
			out = append(out, s)
		}
	}
	return out
}
