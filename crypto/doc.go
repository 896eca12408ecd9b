// Package crypto holds the key material that identifies a device on the LAN
// transport.
//
// # Key Pairs
//
// A KeyPair is a curve25519 pair. The public half, hex encoded, is the
// device's peer.ID; it is broadcast in discovery beacons and verified by the
// Noise handshake that opens every session, so a peer cannot claim an
// identity it does not hold the private key for.
//
//	kp, err := crypto.GenerateKeyPair()
//	id := kp.ID()                         // peer.ID
//	pub, err := crypto.PublicKeyFromID(id) // back to [32]byte
//
// A persisted private key can be reloaded with FromSecretKey, which derives
// the public key with curve25519.X25519.
//
// # Identity Files
//
// SaveIdentity and LoadIdentity keep a private key on disk encrypted with
// AES-256-GCM under a PBKDF2-derived key, so a device keeps its peer.ID
// across restarts. LoadOrCreateIdentity generates the file on first use.
//
// # Secure Memory
//
// SecureWipe, ZeroBytes and WipeKeyPair overwrite key material once it is no
// longer needed.
package crypto
