// Package peer tracks the connection status of every remote device the
// manager has heard of.
//
// # Status
//
// Status enumerates Disconnected, Inviting, Invited, Connecting, Connected,
// Lost and Unknown. String returns a fixed label for diagnostics.
//
// # Transition Rules
//
// Table.Set is the only rule-checked mutator:
//
//	Disconnected -> Inviting | Invited
//	Inviting     -> Connecting | Lost | Disconnected
//	Invited      -> Connecting | Lost | Disconnected
//	Connecting   -> Connected | Lost
//	Connected    -> Lost | Disconnected
//	Lost         -> Disconnected | Inviting | Invited
//	Unknown      -> Disconnected | Lost
//
// Any status may move to Unknown or re-enter itself. A request outside the
// rules stores Unknown and returns a Transition marked Coerced, so the caller
// can still report it. Reset is the forced teardown path.
//
// # Thread Safety
//
// Table uses sync.RWMutex internally. Snapshot, Connected and Get return
// copies and may be called from any goroutine.
package peer
