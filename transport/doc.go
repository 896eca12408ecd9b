// Package transport defines the proximity transport the connection manager
// drives, and ships an in-memory implementation of it.
//
// A transport provides two capabilities: discovery (advertise and browse under
// a service key) and sessions (invite, respond, send opaque bytes, disconnect).
// It reports what happens through a single Handler as a stream of events:
//
//	PeerFound            a peer advertising the browsed key became visible
//	PeerLost             a visible peer disappeared
//	InviteReceived       a peer asked to open a session
//	SessionStateChanged  a session moved to Connecting, Connected or NotConnected
//	DataReceived         bytes arrived on a connected session
//
// Events for one transport are delivered in order, one at a time, and never
// from inside a call made on the transport. PeerLost is a discovery signal:
// while a session with the peer is live its loss is reported through
// SessionStateChanged instead.
//
// # Memory Fabric
//
// Network connects any number of Memory transports inside one process. It is
// used for deterministic tests and simulations:
//
//	net := transport.NewNetwork()
//	a := net.Join("device-a")
//	b := net.Join("device-b")
//	net.SetInRange("device-a", "device-b", false) // walk out of range
//
// Failures can be injected per direction with FailSends, and arbitrary events
// (including malformed bytes) with Inject.
//
// The LAN implementation lives in the lan subpackage.
package transport
