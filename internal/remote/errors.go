package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind categorizes a failed backend call.
type Kind string

const (
	// KindUnauthorized indicates a missing or invalid session (401, 403).
	KindUnauthorized Kind = "UNAUTHORIZED"

	// KindNotFound indicates the entity or its parent path is absent (404).
	KindNotFound Kind = "NOT_FOUND"

	// KindBadRequest indicates a validation failure reported by the backend (400, 422).
	KindBadRequest Kind = "BAD_REQUEST"

	// KindTransient covers network failures, timeouts, unexpected server
	// errors and undecodable payloads.
	KindTransient Kind = "TRANSIENT"
)

// Error is returned by every Client call that fails.
type Error struct {
	Kind     Kind
	Op       string   // e.g. "GET /projects"
	Status   int      // HTTP status, 0 when no response was received
	Messages []string // Messages reported by the backend, normalized to a list
	Err      error    // Underlying transport or decode error, if any
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	b.WriteString(": ")
	b.WriteString(strings.ToLower(string(e.Kind)))
	if len(e.Messages) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Messages, "; "))
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err. Errors that did not come from a Client are
// treated as transient.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// IsNotFound reports whether err is a NotFound failure.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsUnauthorized reports whether err is an Unauthorized failure.
func IsUnauthorized(err error) bool {
	return err != nil && KindOf(err) == KindUnauthorized
}

// Messages returns the backend messages carried by err, if any.
func Messages(err error) []string {
	var re *Error
	if errors.As(err, &re) {
		return re.Messages
	}
	return nil
}

// kindForStatus maps an HTTP status to an error kind.
func kindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindBadRequest
	default:
		return KindTransient
	}
}

// statusError builds an Error from a non-2xx response body.
func statusError(op string, status int, body []byte) *Error {
	return &Error{
		Kind:     kindForStatus(status),
		Op:       op,
		Status:   status,
		Messages: parseMessages(body),
	}
}

// transportError wraps a failure that produced no response.
func transportError(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: classifyTransport(err)}
}

// classifyTransport normalizes timeouts so callers can match on
// context.DeadlineExceeded regardless of which layer timed out.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

// parseMessages normalizes backend error bodies: a JSON array of strings passes
// through verbatim, an object contributes its "message" (or "error"), a JSON
// string or plain text body becomes a single message.
func parseMessages(body []byte) []string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}

	var list []any
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
		out := make([]string, 0, len(list))
		for _, item := range list {
			switch v := item.(type) {
			case string:
				out = append(out, v)
			case map[string]any:
				if msg, ok := v["message"].(string); ok {
					out = append(out, msg)
				}
			}
		}
		return out
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		for _, key := range []string{"message", "error"} {
			if msg, ok := obj[key].(string); ok && msg != "" {
				return []string{msg}
			}
		}
		return nil
	}

	var str string
	if err := json.Unmarshal([]byte(trimmed), &str); err == nil {
		return []string{str}
	}
	if len(trimmed) > 512 {
		trimmed = trimmed[:512]
	}
	return []string{trimmed}
}
