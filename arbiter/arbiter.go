// Package arbiter decides which side of a mutual discovery sends the invite.
//
// Both devices advertise and browse at once, so each one discovers the other
// and could invite. Decide orders the two identities by their canonical string
// form: the lower identity invites, the higher one waits. Both sides compute the
// same answer without exchanging anything.
package arbiter

import "github.com/opd-ai/onetoone/peer"

// Role is the outcome of arbitration for the local side.
type Role uint8

const (
	// Waiter waits for the remote side's invite.
	Waiter Role = iota
	// Inviter sends the invite.
	Inviter
)

// String returns a label for logging.
func (r Role) String() string {
	if r == Inviter {
		return "inviter"
	}
	return "waiter"
}

// Decide returns the local side's role for the pair (local, remote). A peer
// never invites itself.
func Decide(local, remote peer.ID) Role {
	if local.String() < remote.String() {
		return Inviter
	}
	return Waiter
}

// ShouldInvite reports whether local should invite remote.
func ShouldInvite(local, remote peer.ID) bool {
	return Decide(local, remote) == Inviter
}
