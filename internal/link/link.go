// Package link provides the byte transports between wearable and host. A Link moves whole
// frames and reports reachability; reliability and message semantics live in the bridge.
package link

import (
	"context"
	"errors"
)

var (
	// ErrNotReachable is returned by Write while the peer cannot be reached
	ErrNotReachable = errors.New("link: peer not reachable")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("link: closed")
	// ErrFrameTooLarge is returned for frames above MaxFrameSize
	ErrFrameTooLarge = errors.New("link: frame too large")
)

// FrameHandler receives one complete inbound frame. The slice is owned by the handler.
type FrameHandler func(frame []byte)

// ReachabilityHandler is told every time the peer becomes reachable or unreachable
type ReachabilityHandler func(reachable bool)

// Link is a frame-oriented, unreliable transport. Frames written while reachable arrive in
// order or not at all. Handlers are called from the link's own goroutines and must not block.
type Link interface {
	Open(ctx context.Context) error
	Close() error
	Write(ctx context.Context, frame []byte) error
	SetHandlers(onFrame FrameHandler, onReachability ReachabilityHandler)
	Reachable() bool
}

// Kind names a link implementation in configuration
type Kind string

const (
	KindLoopback Kind = "loopback"
	KindBLE      Kind = "ble"
	KindSerial   Kind = "serial"
)

// ParseKind validates a configured link kind
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLoopback, KindBLE, KindSerial:
		return Kind(s), nil
	default:
		return "", errors.New("link: unknown kind " + s)
	}
}
