package changeset

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across transports.
var (
	ErrInvalidChange = errors.New("invalid change set")
)

// ProtocolError marks a malformed inbound frame. The receiving adapter
// logs it and drops the frame; the connection stays open.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
