// Package limits provides centralized size constants and validation functions
// shared by the envelope codec and the transports.
//
// # Size Hierarchy
//
//   - MaxEnvelopeSize (512 KiB): the largest encoded envelope a manager will
//     send or accept.
//
//   - MaxFrameSize: MaxEnvelopeSize plus the per-frame overhead of an encrypted
//     session frame (Poly1305 tag and frame kind byte).
//
//   - MaxBeaconSize (1200 bytes): the largest LAN discovery beacon, small
//     enough to avoid IP fragmentation.
//
// # Validation Functions
//
// Each validation function checks for empty input and size violations:
//
//	if err := limits.ValidateEnvelope(data); err != nil {
//	    // ErrEmpty or ErrTooLarge
//	}
//
// Length prefixes read off the wire are checked with ValidateFrameLength before
// any buffer is allocated, so a corrupt or hostile prefix cannot force a large
// allocation.
package limits
