package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

type Kind int

const (
	// KindValidation is a 4xx carrying field errors or a detail message;
	// screens show it inline.
	KindValidation Kind = iota
	// KindAuthExpired is a 401 that survived one refresh+retry cycle.
	KindAuthExpired
	// KindRefreshFailed means the refresh endpoint itself rejected the
	// refresh token.
	KindRefreshFailed
	// KindNetwork is a transport-level failure, including timeouts.
	KindNetwork
	// KindServer is a 5xx.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthExpired:
		return "auth_expired"
	case KindRefreshFailed:
		return "refresh_failed"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	}
	return "unknown"
}

// Error is the single normalized error type the pipeline hands to callers.
// Screens never see raw transport errors.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	// Fields holds per-field validation errors when the body carried them.
	Fields map[string][]string
	Err    error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies any error coming out of the pipeline.
func KindOf(err error) (Kind, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	return 0, false
}

func networkError(err error) *Error {
	return &Error{
		Kind:    KindNetwork,
		Message: fmt.Sprintf("network error: %v", err),
		Err:     err,
	}
}

// normalizeBody turns a non-2xx response body into one message: prefer a
// detail/message field, else the first field-level validation error, else a
// generic "HTTP error <status>".
func normalizeBody(status int, body []byte) *Error {
	e := &Error{
		Status:  status,
		Message: fmt.Sprintf("HTTP error %d", status),
	}

	switch {
	case status >= 500:
		e.Kind = KindServer
	case status == 401:
		e.Kind = KindAuthExpired
	default:
		e.Kind = KindValidation
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return e
	}

	for _, key := range []string{"detail", "message"} {
		var msg string
		if raw, ok := payload[key]; ok && json.Unmarshal(raw, &msg) == nil && msg != "" {
			e.Message = msg
			return e
		}
	}

	// Field-level errors come back as {"field": ["msg", ...]}. Keys are
	// sorted so the surfaced message is deterministic.
	fields := make(map[string][]string)
	keys := make([]string, 0, len(payload))
	for key, raw := range payload {
		var msgs []string
		if json.Unmarshal(raw, &msgs) == nil && len(msgs) > 0 {
			fields[key] = msgs
			keys = append(keys, key)
		}
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		e.Fields = fields
		e.Message = fmt.Sprintf("%s: %s", keys[0], fields[keys[0]][0])
	}
	return e
}
