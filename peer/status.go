// Package peer implements per-peer connection state: the status enumeration,
// its transition rules and the concurrent table the manager keeps them in.
//
// Example:
//
//	table := peer.NewTable(clock.New())
//	tr := table.Set("device-a", peer.StatusInviting)
//	if tr.Coerced {
//	    log.Printf("unexpected %s -> %s", tr.From, tr.Requested)
//	}
package peer

// ID identifies a remote device. It is supplied by the transport and compared
// by its canonical string form.
type ID string

// String returns the canonical form of the identity.
func (id ID) String() string {
	return string(id)
}

// Short returns at most the first eight characters of the identity for logs.
func (id ID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// Status represents the connection status of a peer.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusInviting
	StatusInvited
	StatusConnecting
	StatusConnected
	StatusLost
	StatusUnknown
)

var statusLabels = [...]string{
	StatusDisconnected: "Disconnected",
	StatusInviting:     "Inviting",
	StatusInvited:      "Invited",
	StatusConnecting:   "Connecting",
	StatusConnected:    "Connected",
	StatusLost:         "Lost",
	StatusUnknown:      "Unknown",
}

// String returns the fixed human-readable label of the status. Labels are for
// diagnostics and UI only.
func (s Status) String() string {
	if int(s) < len(statusLabels) {
		return statusLabels[s]
	}
	return statusLabels[StatusUnknown]
}

// IsActive reports whether the status represents an invite or session in
// progress.
func (s Status) IsActive() bool {
	switch s {
	case StatusInviting, StatusInvited, StatusConnecting, StatusConnected:
		return true
	}
	return false
}

// allowed lists the legal successors of every status. Moving to Unknown and
// re-entering the current status are always allowed and not listed. Unknown
// has no successors; leaving it takes Table.Reset.
var allowed = map[Status][]Status{
	StatusDisconnected: {StatusInviting, StatusInvited},
	StatusInviting:     {StatusConnecting, StatusLost, StatusDisconnected},
	StatusInvited:      {StatusConnecting, StatusLost, StatusDisconnected},
	StatusConnecting:   {StatusConnected, StatusLost},
	StatusConnected:    {StatusLost, StatusDisconnected},
	StatusLost:         {StatusDisconnected, StatusInviting, StatusInvited},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	if to == StatusUnknown || from == to {
		return true
	}
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}
