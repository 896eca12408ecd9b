package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/flynn/noise"

	"github.com/opd-ai/onetoone/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrWrongRole indicates a step was invoked by the wrong side of the handshake
	ErrWrongRole = errors.New("handshake step not valid for this role")
)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator starts the handshake (knows peer's static key)
	Initiator HandshakeRole = iota
	// Responder responds to handshake initiation
	Responder
)

// String returns a label for logging.
func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// IKHandshake implements the two-message Noise IK pattern:
//
//	-> e, es, s, ss   (initiator, carries the invite)
//	<- e, ee, se      (responder, carries the answer)
type IKHandshake struct {
	role       HandshakeRole
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
	started    time.Time
}

// NewIKHandshake creates a new IK pattern handshake.
// staticPrivKey is our long-term private key (32 bytes).
// peerPubKey is peer's long-term public key (32 bytes, nil for responder).
func NewIKHandshake(staticPrivKey, peerPubKey []byte, role HandshakeRole) (*IKHandshake, error) {
	if len(staticPrivKey) != 32 {
		return nil, fmt.Errorf("static private key must be 32 bytes, got %d", len(staticPrivKey))
	}

	if role == Initiator && len(peerPubKey) != 32 {
		return nil, fmt.Errorf("initiator requires peer public key (32 bytes), got %d", len(peerPubKey))
	}

	var privateKeyArray [32]byte
	copy(privateKeyArray[:], staticPrivKey)

	keyPair, err := crypto.FromSecretKey(privateKeyArray)
	crypto.ZeroBytes(privateKeyArray[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive keypair: %w", err)
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, keyPair.Private[:])
	copy(staticKey.Public, keyPair.Public[:])
	crypto.ZeroBytes(keyPair.Private[:])

	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}

	if role == Initiator {
		config.PeerStatic = make([]byte, 32)
		copy(config.PeerStatic, peerPubKey)
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &IKHandshake{
		role:    role,
		state:   state,
		started: time.Now(),
	}, nil
}

// Initiate writes the initiator's first message carrying payload.
func (ik *IKHandshake) Initiate(payload []byte) ([]byte, error) {
	if ik.role != Initiator {
		return nil, ErrWrongRole
	}
	if ik.complete {
		return nil, ErrHandshakeComplete
	}

	message, _, _, err := ik.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("initiator write failed: %w", err)
	}
	return message, nil
}

// Receive reads the initiator's first message on the responder side and
// returns its payload. The initiator's static key is available afterwards
// through RemoteStaticKey.
func (ik *IKHandshake) Receive(message []byte) ([]byte, error) {
	if ik.role != Responder {
		return nil, ErrWrongRole
	}
	if ik.complete {
		return nil, ErrHandshakeComplete
	}

	payload, _, _, err := ik.state.ReadMessage(nil, message)
	if err != nil {
		return nil, fmt.Errorf("responder read failed: %w", err)
	}
	return payload, nil
}

// Respond writes the responder's answer and completes the handshake.
func (ik *IKHandshake) Respond(payload []byte) ([]byte, error) {
	if ik.role != Responder {
		return nil, ErrWrongRole
	}
	if ik.complete {
		return nil, ErrHandshakeComplete
	}

	message, cs1, cs2, err := ik.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("responder write failed: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, ErrHandshakeNotComplete
	}

	// cs1 protects initiator-to-responder traffic.
	ik.recvCipher = cs1
	ik.sendCipher = cs2
	ik.complete = true
	return message, nil
}

// Finish reads the responder's answer on the initiator side, completes the
// handshake and returns the answer payload.
func (ik *IKHandshake) Finish(message []byte) ([]byte, error) {
	if ik.role != Initiator {
		return nil, ErrWrongRole
	}
	if ik.complete {
		return nil, ErrHandshakeComplete
	}

	payload, cs1, cs2, err := ik.state.ReadMessage(nil, message)
	if err != nil {
		return nil, fmt.Errorf("initiator read response failed: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, ErrHandshakeNotComplete
	}

	ik.sendCipher = cs1
	ik.recvCipher = cs2
	ik.complete = true
	return payload, nil
}

// IsComplete returns true if handshake is finished and cipher states are available.
func (ik *IKHandshake) IsComplete() bool {
	return ik.complete
}

// Role returns the side of the handshake this state represents.
func (ik *IKHandshake) Role() HandshakeRole {
	return ik.role
}

// Age returns how long ago the handshake was created.
func (ik *IKHandshake) Age() time.Duration {
	return time.Since(ik.started)
}

// RemoteStaticKey returns the peer's static public key. The responder knows it
// once Receive succeeded; the initiator knows it from construction.
func (ik *IKHandshake) RemoteStaticKey() ([32]byte, error) {
	var key [32]byte
	remote := ik.state.PeerStatic()
	if len(remote) != len(key) {
		return key, fmt.Errorf("remote static key not available")
	}
	copy(key[:], remote)
	return key, nil
}

// Session returns the transport session built from the completed handshake.
func (ik *IKHandshake) Session() (*Session, error) {
	if !ik.complete {
		return nil, ErrHandshakeNotComplete
	}
	return newSession(ik.sendCipher, ik.recvCipher), nil
}
