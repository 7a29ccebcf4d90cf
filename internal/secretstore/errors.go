// ABOUTME: Typed errors returned by the secret store client.
// ABOUTME: Fatal errors classify themselves so the shared retry policy never retries them.

package secretstore

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoSession is returned when an operation needs a session token and none was given.
var ErrNoSession = errors.New("secret store session token is required")

// AuthError is returned when the store rejects the bootstrap identity.
// It is never retried.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("secret store authentication failed (status %d)", e.Status)
	}
	return fmt.Sprintf("secret store authentication failed (status %d): %s", e.Status, e.Message)
}

// Fatal marks the error as non-retryable.
func (e *AuthError) Fatal() bool { return true }

// NotFoundError is returned when a secret path (or key within it) does not
// exist yet. Retryable: another service may still be writing it.
type NotFoundError struct {
	Path string
	Key  string
}

func (e *NotFoundError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("secret %s has no key %q", e.Path, e.Key)
	}
	return fmt.Sprintf("secret %s not found", e.Path)
}

// PermissionError is returned when the credential may not read a path.
// It is never retried.
type PermissionError struct {
	Path    string
	Message string
}

func (e *PermissionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("permission denied reading %s", e.Path)
	}
	return fmt.Sprintf("permission denied reading %s: %s", e.Path, e.Message)
}

// Fatal marks the error as non-retryable.
func (e *PermissionError) Fatal() bool { return true }

// TransientStoreError covers server errors, network failures and a store
// that is not ready yet. Retryable.
type TransientStoreError struct {
	Op     string
	Status int
	State  StoreState
	Err    error
}

func (e *TransientStoreError) Error() string {
	var b strings.Builder
	b.WriteString("secret store unavailable")
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.State != "" {
		fmt.Fprintf(&b, " (state %s)", e.State)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransientStoreError) Unwrap() error { return e.Err }
