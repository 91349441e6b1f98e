package types

import "errors"

// Error kinds surfaced by the execution engine. Handlers map these to
// HTTP status codes; everything else is an internal error.
var (
	// ErrBadRequest is returned by request validation. No resources touched.
	ErrBadRequest = errors.New("bad request")

	// ErrPoolExhausted means Acquire timed out waiting for a warm sandbox.
	ErrPoolExhausted = errors.New("sandbox pool exhausted")

	// ErrSandboxUnhealthy means a sandbox failed warmup, framing, or a
	// health probe. Retried once internally with a fresh sandbox.
	ErrSandboxUnhealthy = errors.New("sandbox unhealthy")

	// ErrTimeoutExceeded means the wall-clock limit fired.
	ErrTimeoutExceeded = errors.New("execution timeout exceeded")

	// ErrStateTooLarge means a snapshot exceeded the configured maximum.
	// The execution result is still returned; the save is skipped.
	ErrStateTooLarge = errors.New("state snapshot too large")

	// ErrStorageUnavailable means a state tier could not be reached.
	// Saves degrade to warnings; loads degrade to fresh sessions.
	ErrStorageUnavailable = errors.New("state storage unavailable")

	// ErrNotFound is returned by state and blob lookups.
	ErrNotFound = errors.New("not found")
)
