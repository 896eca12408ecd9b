// Package lan implements transport.Transport for devices on the same local
// network.
//
// While advertising, a Transport broadcasts a small CBOR beacon every
// BeaconInterval carrying the service key, its static Noise public key, its
// session port and an optional display name. Browsing transports report
// PeerFound for the first beacon of a peer and PeerLost once its beacons stop
// for PeerTimeout.
//
// Sessions run over TCP. The inviter dials the port from the beacon and sends
// the first message of a Noise IK handshake, which carries the invitation. The
// invitee answers with the second handshake message once the application calls
// Respond. After an accepted handshake every frame is a 4-byte big-endian
// length followed by a ChaCha20-Poly1305 sealed record.
//
// Example:
//
//	cfg := lan.DefaultConfig()
//	cfg.DisplayName = "kitchen"
//	tr, err := lan.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Close()
package lan
