package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/opd-ai/onetoone/peer"
)

// KeyPair represents a curve25519 key pair identifying a device.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromSecretKey rebuilds a key pair from an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// ID returns the peer identity derived from the public key.
func (kp *KeyPair) ID() peer.ID {
	return IDFromPublicKey(kp.Public)
}

// IDFromPublicKey returns the canonical peer identity for a public key.
func IDFromPublicKey(pub [32]byte) peer.ID {
	return peer.ID(hex.EncodeToString(pub[:]))
}

// PublicKeyFromID parses a peer identity produced by IDFromPublicKey.
func PublicKeyFromID(id peer.ID) ([32]byte, error) {
	var pub [32]byte
	raw, err := hex.DecodeString(string(id))
	if err != nil {
		return pub, fmt.Errorf("peer id is not hex: %w", err)
	}
	if len(raw) != len(pub) {
		return pub, fmt.Errorf("peer id decodes to %d bytes, want %d", len(raw), len(pub))
	}
	copy(pub[:], raw)
	return pub, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
