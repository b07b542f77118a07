// Package errs defines the typed failures surfaced by the harbor
// core: validation, not-found, conflict, external-command, and store
// errors. Callers match them with errors.As via the re-exports below.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export the standard helpers so callers import one package.
var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
)

// ValidationError rejects malformed input before it reaches the store.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error [field=%s]: %s", e.Field, e.Message)
	}
	return "validation error: " + e.Message
}

// NotFoundError reports an unknown task, batch, or agent id.
type NotFoundError struct {
	Resource string
	ID       string
}

func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Resource, e.ID)
}

// ConflictError reports a state conflict: a dependency that would
// create a cycle, a duplicate edge, a task claimed elsewhere, or a
// blocked task. Holder and TaskIDs name the offending party so the
// caller sees exactly why.
type ConflictError struct {
	Message string
	Holder  string
	TaskIDs []string
}

func NewConflict(message string) *ConflictError {
	return &ConflictError{Message: message}
}

func (e *ConflictError) WithHolder(agentID string) *ConflictError {
	e.Holder = agentID
	return e
}

func (e *ConflictError) WithTaskIDs(ids ...string) *ConflictError {
	e.TaskIDs = append(e.TaskIDs, ids...)
	return e
}

func (e *ConflictError) Error() string {
	msg := "conflict: " + e.Message
	if e.Holder != "" {
		msg += fmt.Sprintf(" (held by %s)", e.Holder)
	}
	if len(e.TaskIDs) > 0 {
		msg += fmt.Sprintf(" (tasks: %s)", strings.Join(e.TaskIDs, ", "))
	}
	return msg
}

// ExternalCommandError reports a subprocess that failed to spawn or
// exited non-zero, with its captured output.
type ExternalCommandError struct {
	Command string
	Output  string
	Err     error
}

func NewExternalCommand(command, output string, err error) *ExternalCommandError {
	return &ExternalCommandError{Command: command, Output: output, Err: err}
}

func (e *ExternalCommandError) Error() string {
	msg := fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *ExternalCommandError) Unwrap() error { return e.Err }

// StoreError wraps an I/O failure on the durable store. These are
// fatal to the operation and propagate without retry.
type StoreError struct {
	Op  string
	Err error
}

func NewStore(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
