package conveyor

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the runtime, store, and gateway. HTTP layers
// map these onto status codes; see httpapi.
var (
	// ErrNotFound indicates a job, workflow, schedule, or event does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a token failed signature verification.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenExpired indicates a token was well-formed and correctly signed
	// but past its expiry. Classified separately from ErrUnauthorized so
	// callers can distinguish the two; both fail closed.
	ErrTokenExpired = errors.New("token expired")

	// ErrBadRequest indicates the request resolved to a workflow that cannot
	// serve it, e.g. a webhook call for a workflow with no webhook trigger.
	ErrBadRequest = errors.New("bad request")

	// ErrForbidden indicates an operator mutation on a row that is not
	// operator-mutable, e.g. editing a reconciler-owned schedule.
	ErrForbidden = errors.New("forbidden")

	// ErrDuplicate indicates a job insert lost a dedupe race: another active
	// job with the same workflow and dedupe key already exists.
	ErrDuplicate = errors.New("duplicate job")

	// ErrNotPaused indicates a resume call for a job that is not currently
	// paused.
	ErrNotPaused = errors.New("job is not paused")

	// ErrNotTerminal indicates a replay of a job that has not reached a
	// terminal status.
	ErrNotTerminal = errors.New("job is not terminal")
)

// ConfigError represents a fatal configuration problem detected at boot or
// issuance time: duplicate step orders, duplicate workflow names, webhook
// token issuance for a workflow with no webhook trigger, and the like.
// It supports Go's error wrapping patterns with Unwrap().
type ConfigError struct {
	Workflow string
	Cause    string
	Wrapped  error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Workflow == "" {
		return fmt.Sprintf("config error: %s", e.Cause)
	}
	return fmt.Sprintf("config error: workflow %q: %s", e.Workflow, e.Cause)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Wrapped
}

// NewConfigError creates a ConfigError scoped to the given workflow. An
// empty workflow name indicates a process-wide configuration problem.
func NewConfigError(workflow, format string, args ...any) *ConfigError {
	return &ConfigError{Workflow: workflow, Cause: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
