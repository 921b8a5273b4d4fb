package toolexecutor

import (
	"errors"
	"fmt"
)

// Error envelope types surfaced to the reasoning loop
const (
	ErrorNotFound  = "not_found"
	ErrorTimeout   = "timeout"
	ErrorExecution = "execution_error"
	ErrorException = "exception"
)

// Envelope is the typed failure of a tool call. It is safe to hand to an LLM:
// messages are redacted and never carry stack traces.
type Envelope struct {
	Type    string                 `json:"error"`
	Message string                 `json:"message"`
	Kind    string                 `json:"kind,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Envelope) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Map renders the envelope the way it is stored on a pending tool call and
// sent back to the model.
func (e *Envelope) Map() map[string]interface{} {
	m := map[string]interface{}{
		"error":   e.Type,
		"message": e.Message,
	}
	if e.Kind != "" {
		m["kind"] = e.Kind
	}
	if len(e.Details) > 0 {
		m["details"] = e.Details
	}
	return m
}

// AsEnvelope extracts an Envelope from err
func AsEnvelope(err error) (*Envelope, bool) {
	var env *Envelope
	if errors.As(err, &env) {
		return env, true
	}
	return nil, false
}

type retryableError struct {
	err error
}

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

// Retryable marks err as transient so the executor may retry the call.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}
