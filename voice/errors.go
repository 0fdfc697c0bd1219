package voice

import (
	"errors"
	"fmt"
)

// Fatal session errors.
var (
	// ErrEmptyChannel indicates Connect was called without a channel id.
	ErrEmptyChannel = errors.New("cannot connect to an empty channel id")

	// ErrConnectTimeout indicates the session did not reach StateConnected in time.
	ErrConnectTimeout = errors.New("timed out connecting to voice")

	// ErrReconnectsExhausted indicates the reconnect budget ran out.
	ErrReconnectsExhausted = errors.New("failed to reconnect, giving up")

	// ErrNoSupportedMode indicates the server advertised no encryption mode we support.
	ErrNoSupportedMode = errors.New("failed to find a supported voice mode")

	// ErrIPDiscovery indicates UDP IP discovery against the voice server failed.
	ErrIPDiscovery = errors.New("failed to discover external address")

	// ErrSessionClosed indicates the session was disconnected while an operation waited on it.
	ErrSessionClosed = errors.New("voice session closed")
)

// Media errors.
var (
	// ErrNotConnected indicates no media transport is available yet.
	ErrNotConnected = errors.New("voice media not connected")

	// ErrNoEncryption indicates a frame was sent before the secret key arrived.
	ErrNoEncryption = errors.New("voice encryption not set up")

	// ErrUnsupportedMode indicates an encryption mode the media transport cannot seal.
	ErrUnsupportedMode = errors.New("unsupported encryption mode")
)

// Error is a fatal error tied to the session that raised it.
type Error struct {
	Session *Session
	Err     error
}

func (e *Error) Error() string {
	if e.Session == nil {
		return fmt.Sprintf("voice: %v", e.Err)
	}
	return fmt.Sprintf("voice %s: %v", e.Session.ServerID(), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
