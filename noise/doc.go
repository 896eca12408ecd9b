// Package noise implements the Noise IK handshake and the encrypted session
// that follows it.
//
// # Handshake
//
// The inviting side knows the invitee's static key from its discovery beacon,
// so the two-message IK pattern is enough:
//
//	init, _ := noise.NewIKHandshake(myPriv[:], theirPub[:], noise.Initiator)
//	msg1, _ := init.Initiate(invitePayload)
//
//	resp, _ := noise.NewIKHandshake(theirPriv[:], nil, noise.Responder)
//	invite, _ := resp.Receive(msg1)
//	caller, _ := resp.RemoteStaticKey() // authenticated inviter identity
//	msg2, _ := resp.Respond(answerPayload)
//
//	answer, _ := init.Finish(msg2)
//
// Both sides then call Session to obtain a Session for frame encryption.
//
// # Cipher Suite
//
// Curve25519 for DH, ChaCha20-Poly1305 for the AEAD and SHA-256 for hashing.
//
// # Thread Safety
//
// IKHandshake is not safe for concurrent use. Session serializes each
// direction internally, but frames in one direction must still be processed
// in order because the nonce is an implicit counter.
package noise
