package swarm

import (
	"errors"
	"fmt"
	"strings"
)

// FieldError is one violated constraint of a swarm specification.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every violated field of a specification at once.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid swarm spec: " + strings.Join(parts, "; ")
}

// Add records a violation on field.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns e as an error if any violation was recorded.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ErrorKind classifies why an agent invocation failed.
type ErrorKind string

const (
	KindModelUnavailable ErrorKind = "model_unavailable"
	KindInvalidConfig    ErrorKind = "invalid_config"
	KindTimeout          ErrorKind = "timeout"
	KindFailed           ErrorKind = "failed"
)

// InvocationError is returned by runners when an agent call fails.
// Transient errors may succeed on retry.
type InvocationError struct {
	Agent     string
	Kind      ErrorKind
	Transient bool
	Err       error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("agent %s: %s: %v", e.Agent, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// AsInvocationError extracts an InvocationError from err's chain.
func AsInvocationError(err error) (*InvocationError, bool) {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// ExecutionError is a fatal topology failure. Agent is empty when the
// failure is not attributable to a single agent, such as a missed quorum.
type ExecutionError struct {
	SwarmType SwarmType
	Agent     string
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("%s failed at agent %s: %v", e.SwarmType, e.Agent, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.SwarmType, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ErrQuorumNotMet is wrapped by ExecutionError when too many agents fail.
var ErrQuorumNotMet = errors.New("quorum not met")
