// Package limits provides centralized size limits for envelopes, session
// frames and discovery beacons.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxEnvelopeSize is the largest encoded envelope accepted on a session.
	MaxEnvelopeSize = 512 * 1024

	// FrameOverhead is the Poly1305 tag added to every encrypted session frame
	// plus the one byte frame kind.
	FrameOverhead = 16 + 1

	// MaxFrameSize is the largest frame read from a session connection.
	MaxFrameSize = MaxEnvelopeSize + FrameOverhead

	// MaxBeaconSize bounds a LAN discovery beacon so it fits a single
	// unfragmented UDP datagram.
	MaxBeaconSize = 1200

	// MaxDisplayNameLength is the longest display name carried in a beacon.
	MaxDisplayNameLength = 63
)

var (
	// ErrEmpty indicates an empty payload was provided
	ErrEmpty = errors.New("empty payload")

	// ErrTooLarge indicates a payload exceeds its maximum size
	ErrTooLarge = errors.New("payload too large")
)

// ValidateSize validates data against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(data []byte, maxSize int) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrTooLarge, len(data), maxSize)
	}
	return nil
}

// ValidateEnvelope validates an encoded envelope against MaxEnvelopeSize.
func ValidateEnvelope(data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > MaxEnvelopeSize {
		return fmt.Errorf("%w: envelope size %d exceeds limit %d", ErrTooLarge, len(data), MaxEnvelopeSize)
	}
	return nil
}

// ValidateFrameLength validates a length prefix read from a session before
// the frame body is allocated.
func ValidateFrameLength(n uint32) error {
	if n == 0 {
		return ErrEmpty
	}
	if n > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrTooLarge, n, MaxFrameSize)
	}
	return nil
}

// ValidateBeacon validates a discovery beacon against MaxBeaconSize.
func ValidateBeacon(data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > MaxBeaconSize {
		return fmt.Errorf("%w: beacon size %d exceeds limit %d", ErrTooLarge, len(data), MaxBeaconSize)
	}
	return nil
}
