package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations that need an authenticated link.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrNoCandidates is returned by Connect when no mesh node has been discovered.
	ErrNoCandidates = errors.New("ble: no candidate mesh nodes")
	// ErrExhausted is returned by Connect when every candidate failed.
	ErrExhausted = errors.New("ble: all candidate mesh nodes failed")
	// ErrAuthentication marks a candidate that rejected the handshake or did
	// not answer the confirming ping.
	ErrAuthentication = errors.New("ble: authentication failed")
	// ErrPingMismatch is returned when the pong is not ping+1.
	ErrPingMismatch = errors.New("ble: ping mismatch")
	// ErrLinkLost is returned when the transport drops a link while it is
	// being set up.
	ErrLinkLost = errors.New("ble: link lost")
	// ErrStopping is returned once the session has been closed.
	ErrStopping = errors.New("ble: session stopping")
)

// TransportError wraps a failure of the underlying radio link.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ble: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}
