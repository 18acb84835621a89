package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrLoggedOut marks errors after which the session is gone and the
	// user has to log in again.
	ErrLoggedOut = errors.New("session ended, login required")
	// ErrNoRefreshToken is the cause of ErrLoggedOut when a 401 arrives and
	// there is no refresh token to recover with.
	ErrNoRefreshToken = errors.New("no refresh token stored")
)

// HTTPError is a non-2xx answer from the backend. Body is kept verbatim so
// callers can render validation payloads themselves.
type HTTPError struct {
	StatusCode int
	Method     string
	Path       string
	Body       []byte
}

func (e *HTTPError) Error() string {
	if detail := e.Detail(); detail != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), detail)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// Detail returns the backend's "detail" message when the body carries one.
func (e *HTTPError) Detail() string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(e.Body, &payload); err != nil {
		return ""
	}
	return payload.Detail
}

// FieldErrors decodes a field-level validation payload of the form
// {"field": ["message", ...]}. Entries that are not string lists, such as
// "detail", are skipped. Returns nil when the body is not such a payload.
func (e *HTTPError) FieldErrors() map[string][]string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(e.Body, &raw); err != nil {
		return nil
	}
	out := make(map[string][]string)
	for field, msg := range raw {
		var list []string
		if err := json.Unmarshal(msg, &list); err == nil {
			out[field] = list
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// IsStatus reports whether err wraps an *HTTPError with the given status.
func IsStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == status
}
