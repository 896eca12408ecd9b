package transport

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/opd-ai/onetoone/peer"
)

var (
	// ErrUnknownPeer is returned when the peer is not visible to the transport.
	ErrUnknownPeer = errors.New("transport: unknown peer")
	// ErrNoSession is returned when no session exists with the peer.
	ErrNoSession = errors.New("transport: no session with peer")
	// ErrNotAdvertising is returned for session operations while not advertising.
	ErrNotAdvertising = errors.New("transport: not advertising")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("transport: closed")
)

// SessionState is the transport-level state of a session with one peer.
type SessionState uint8

const (
	NotConnected SessionState = iota
	Connecting
	Connected
)

// String returns a readable name for the session state.
func (s SessionState) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("SessionState(%d)", uint8(s))
	}
}

// Invitation is an inbound request to open a session.
type Invitation struct {
	ID   uuid.UUID
	From peer.ID
}

// Event is a notification emitted by a transport.
type Event interface {
	PeerID() peer.ID
}

// PeerFound reports a newly visible peer.
type PeerFound struct {
	ID peer.ID
}

// PeerLost reports a peer that is no longer visible.
type PeerLost struct {
	ID peer.ID
}

// InviteReceived reports an inbound invitation. Answer it with Respond.
type InviteReceived struct {
	Invitation Invitation
}

// SessionStateChanged reports a session state change.
type SessionStateChanged struct {
	ID    peer.ID
	State SessionState
}

// DataReceived carries bytes received on a connected session.
type DataReceived struct {
	ID   peer.ID
	Data []byte
}

func (e PeerFound) PeerID() peer.ID           { return e.ID }
func (e PeerLost) PeerID() peer.ID            { return e.ID }
func (e InviteReceived) PeerID() peer.ID      { return e.Invitation.From }
func (e SessionStateChanged) PeerID() peer.ID { return e.ID }
func (e DataReceived) PeerID() peer.ID        { return e.ID }

// Handler receives transport events. Calls are serialized per transport.
type Handler func(Event)

// Transport is the proximity transport driven by the connection manager.
type Transport interface {
	// LocalID returns the identity other peers see for this device.
	LocalID() peer.ID

	// SetHandler replaces the event handler. Events are bound to the handler
	// installed when they are produced; a nil handler drops them.
	SetHandler(h Handler)

	// StartAdvertising makes this device visible under serviceKey.
	StartAdvertising(serviceKey string) error

	// StopAdvertising hides this device.
	StopAdvertising() error

	// StartBrowsing looks for peers advertising serviceKey. Starting again
	// reports every visible peer anew.
	StartBrowsing(serviceKey string) error

	// StopBrowsing stops discovery and forgets the peers seen so far.
	StopBrowsing() error

	// Invite asks a visible peer to open a session.
	Invite(id peer.ID) error

	// CancelInvite withdraws an unanswered outbound invitation to id without
	// reporting NotConnected. Established sessions are left alone. It is a
	// no-op when no invitation is pending.
	CancelInvite(id peer.ID) error

	// Respond accepts or rejects an inbound invitation.
	Respond(inv Invitation, accept bool) error

	// Send transmits data on the connected session with id.
	Send(id peer.ID, data []byte) error

	// Disconnect tears down any session or pending invitation with id. It is
	// a no-op when none exists.
	Disconnect(id peer.ID) error

	// Close releases every resource. The transport cannot be reused.
	Close() error
}
