package noise

import (
	"errors"
	"fmt"
	"sync"

	"github.com/flynn/noise"
)

// ErrNilSession is returned when encrypting or decrypting without cipher states.
var ErrNilSession = errors.New("noise session not initialised")

// Session encrypts and decrypts frames with the cipher states negotiated by a
// completed handshake. Each direction keeps its own nonce counter, so frames
// must be decrypted in the order they were encrypted.
type Session struct {
	sendMu     sync.Mutex
	sendCipher *noise.CipherState
	recvMu     sync.Mutex
	recvCipher *noise.CipherState
}

func newSession(send, recv *noise.CipherState) *Session {
	return &Session{sendCipher: send, recvCipher: recv}
}

// Encrypt seals plaintext for the peer.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if s == nil || s.sendCipher == nil {
		return nil, ErrNilSession
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	out, err := s.sendCipher.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt frame: %w", err)
	}
	return out, nil
}

// Decrypt opens a frame sealed by the peer.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	if s == nil || s.recvCipher == nil {
		return nil, ErrNilSession
	}
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	out, err := s.recvCipher.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt frame: %w", err)
	}
	return out, nil
}
