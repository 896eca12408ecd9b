package onetoone

import "errors"

var (
	// ErrNotConnected is returned by Send when the peer is not Connected.
	ErrNotConnected = errors.New("onetoone: peer not connected")
	// ErrNotStarted is returned by operations that need a started manager.
	ErrNotStarted = errors.New("onetoone: manager not started")
	// ErrInvalidServiceKey is returned when a service key is malformed.
	ErrInvalidServiceKey = errors.New("onetoone: invalid service key")
	// ErrNilTransport is returned by New when no transport is given.
	ErrNilTransport = errors.New("onetoone: nil transport")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("onetoone: manager closed")
)
