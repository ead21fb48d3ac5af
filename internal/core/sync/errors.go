package sync

import (
	"errors"
	"fmt"
)

// Adapter lifecycle errors.
var (
	ErrAdapterClosed    = errors.New("adapter is closed")
	ErrAlreadyConnected = errors.New("adapter is already connected")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// ConnectionError marks a transient transport failure. Adapters retry it
// with backoff; it only surfaces once a bounded retry policy is spent.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConfigurationError marks invalid adapter configuration. Fatal, surfaced
// before any network activity, never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// AuthError marks rejected credentials. Fatal until the credentials are
// refreshed; adapters do not retry it on their own.
type AuthError struct {
	Endpoint string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication rejected by %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("authentication rejected by %s", e.Endpoint)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConflictResolutionError records a custom resolver failure. It is always
// recovered locally by falling back to the default strategy and never
// propagates past the adapter.
type ConflictResolutionError struct {
	DocumentID string
	Err        error
}

func (e *ConflictResolutionError) Error() string {
	return fmt.Sprintf("conflict resolution failed for %s: %v", e.DocumentID, e.Err)
}

func (e *ConflictResolutionError) Unwrap() error { return e.Err }
