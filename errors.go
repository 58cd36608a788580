package colony

import (
	"fmt"
	"strconv"
)

// ErrKind classifies a failure for propagation and logging, per the error
// kinds enumerated in the coordination substrate's error handling design.
type ErrKind string

const (
	ErrTransientBackend  ErrKind = "transient-backend"
	ErrParse             ErrKind = "parse"
	ErrBackpressure      ErrKind = "backpressure"
	ErrDeadLetter        ErrKind = "dead-letter"
	ErrTimeout           ErrKind = "timeout"
	ErrDependencyFailed  ErrKind = "dependency-failed"
	ErrGPUUnavailable    ErrKind = "gpu-unavailable"
	ErrStorage           ErrKind = "storage"
	ErrDuplicateIdentity ErrKind = "duplicate-identity"
)

// CoordError carries a classified error kind alongside the underlying cause.
type CoordError struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *CoordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *CoordError) Unwrap() error { return e.Err }

func newErr(kind ErrKind, msg string, cause error) *CoordError {
	return &CoordError{Kind: kind, Msg: msg, Err: cause}
}

// NewStorageError wraps cause as a CoordError of kind ErrStorage. Exported
// for backend implementations in store/sqlite and store/postgres.
func NewStorageError(msg string, cause error) *CoordError {
	return newErr(ErrStorage, msg, cause)
}

// ErrHTTP reports a non-2xx response from an external HTTP collaborator
// (the LLM backend, a GPU query tool's helper process is exec-based and
// does not use this type).
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter int // seconds; 0 if the server did not send Retry-After
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrLLM reports a failure from the LLM backend that is not a plain HTTP
// status failure (e.g. malformed response body, unknown model).
type ErrLLM struct {
	Backend string
	Message string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

// BackpressureError is returned by DispatchBus.Send when the receiver's
// inbox is full and stays full for the configured wait timeout.
type BackpressureError struct {
	Receiver AgentID
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("backpressure: inbox full for %s", e.Receiver)
}

// ParseRetryAfter parses an HTTP Retry-After header value (seconds only;
// colony's only backend collaborator is a local process that does not send
// the HTTP-date form) into whole seconds. Returns 0 for an empty or
// malformed header.
func ParseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	n, err := strconv.Atoi(header)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// DuplicateIdentityError is returned by DispatchBus.Register when the
// requested agent id is already owned by a live (non-terminated) agent.
type DuplicateIdentityError struct {
	AgentID AgentID
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("duplicate identity: %s is already registered and active", e.AgentID)
}
