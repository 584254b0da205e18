package bridge

import (
	"errors"
	"fmt"

	"github.com/lowaak/smart-trainer/lift-sync/internal/protocol"
)

var (
	// ErrNotActivated is returned by sends before Activate succeeded or after Deactivate
	ErrNotActivated = errors.New("bridge: not activated")
	// ErrNotReachable is returned while the peer cannot be reached; the caller retries after a ReachabilityEvent
	ErrNotReachable = errors.New("bridge: peer not reachable")
	// ErrInvalidData marks payloads rejected before sending or on decode
	ErrInvalidData = protocol.ErrInvalidData
	// ErrReplyTimeout is the cause of a TransferError when no reply arrived in time
	ErrReplyTimeout = errors.New("bridge: reply timeout")
	// ErrCommandRejected wraps a negative acknowledgement from the peer
	ErrCommandRejected = errors.New("bridge: command rejected")
)

// TransferError is a transport-level failure. Cause is the link or timeout error.
type TransferError struct {
	Cause error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("bridge: transfer failed: %v", e.Cause)
}

func (e *TransferError) Unwrap() error { return e.Cause }
