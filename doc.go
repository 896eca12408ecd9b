// Package onetoone maintains one-to-one data links between nearby devices.
//
// Every device advertises and browses under the same service key. When two
// devices see each other, exactly one of them invites the other (the one with
// the lexicographically smaller identity) so each pair ends up with a single
// session. The Manager tracks a connection status per peer and reports every
// change, and carries typed envelopes over established sessions.
//
// # Getting Started
//
//	tr, err := lan.New(lan.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Close()
//
//	m, err := onetoone.New(tr, onetoone.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	m.OnConnectionStatusChanged(func(id peer.ID, status peer.Status) {
//	    fmt.Printf("%s is %s\n", id.Short(), status)
//	})
//	m.OnContentReceived(func(raw *envelope.Raw, from peer.ID) {
//	    msg, err := envelope.Open[string](raw)
//	    if err == nil {
//	        fmt.Printf("%s: %s\n", from.Short(), msg.Content())
//	    }
//	})
//
//	if err := m.StartAndConnect("chat"); err != nil {
//	    log.Fatal(err)
//	}
//
//	env, _ := envelope.New(1, "hello")
//	for _, id := range m.ConnectedPeers() {
//	    m.Send(id, env)
//	}
//
// # Peer Status
//
// A peer moves through Disconnected, Inviting or Invited, Connecting and
// Connected. A session that drops makes the peer Lost; after
// Options.LostGracePeriod a Lost peer settles to Disconnected. A transition the
// rules do not allow is stored and reported as Unknown. Peers the manager has
// never seen are Disconnected.
//
// # Callbacks
//
// Callbacks run one at a time in the order the changes happened, on a
// goroutine owned by the Manager. With Options.ForceMainThread they are posted
// to Options.MainThread instead, typically a dispatch.MainLoop the application
// runs on its main goroutine. Callbacks may call any Manager method.
//
// # Backgrounding
//
// EnterBackground and EnterForeground apply Options.GracefulBackgrounding:
// discovery pauses in the background, and sessions are kept only when the
// option is set.
//
// # Transports
//
// The transport package defines the interface the Manager drives and an
// in-memory fabric for tests. The transport/lan package implements it with UDP
// broadcast discovery and Noise-secured TCP sessions.
package onetoone
