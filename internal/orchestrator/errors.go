// ABOUTME: Errors produced while bringing a service up.
// ABOUTME: Each carries the service name so status and logs can report it directly.

package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable is returned for services needing secrets when the
// secret store never became ready or rejected the bootstrap identity.
var ErrStoreUnavailable = errors.New("secret store unavailable")

// ReadinessTimeoutError is returned when a service did not pass its probe
// within the readiness timeout.
type ReadinessTimeoutError struct {
	Service string
	Timeout time.Duration
	Last    error
}

func (e *ReadinessTimeoutError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s not ready after %s", e.Service, e.Timeout)
	}
	return fmt.Sprintf("%s not ready after %s: %v", e.Service, e.Timeout, e.Last)
}

func (e *ReadinessTimeoutError) Unwrap() error { return e.Last }

// ExitError is returned when a task exits non-zero, or a service exits
// before becoming ready.
type ExitError struct {
	Service string
	Code    int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Service, e.Code)
}

// MissingSecretError is returned when an expected secret file is absent
// after materialization.
type MissingSecretError struct {
	Service string
	Path    string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("%s: secret file %s missing", e.Service, e.Path)
}
