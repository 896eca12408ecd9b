package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the number of iterations for passphrase key derivation.
	PBKDF2Iterations = 100000
	// IdentityVersion is the current identity file format version.
	IdentityVersion = 1
	// SaltSize is the size of the per-file PBKDF2 salt.
	SaltSize = 32
)

var (
	// ErrEmptyPassphrase is returned when no passphrase is supplied.
	ErrEmptyPassphrase = errors.New("passphrase cannot be empty")
	// ErrIdentityCorrupt is returned when an identity file cannot be opened,
	// including when the passphrase is wrong.
	ErrIdentityCorrupt = errors.New("identity file corrupt or passphrase wrong")
)

// SaveIdentity writes the private key of kp to path, encrypted with AES-256-GCM
// under a key derived from passphrase.
// Format: [version:2][salt:32][nonce:12][ciphertext+tag:48]
func SaveIdentity(path string, kp *KeyPair, passphrase []byte) error {
	if kp == nil {
		return errors.New("cannot save nil KeyPair")
	}
	if len(passphrase) == 0 {
		return ErrEmptyPassphrase
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := identityCipher(passphrase, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, kp.Private[:], nil)
	out := make([]byte, 0, 2+SaltSize+len(nonce)+len(sealed))
	out = binary.BigEndian.AppendUint16(out, IdentityVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace identity: %w", err)
	}
	return nil
}

// LoadIdentity reads a key pair written by SaveIdentity.
func LoadIdentity(path string, passphrase []byte) (*KeyPair, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	const nonceSize = 12
	if len(data) < 2+SaltSize+nonceSize+16 {
		return nil, fmt.Errorf("%w: %d bytes", ErrIdentityCorrupt, len(data))
	}
	if v := binary.BigEndian.Uint16(data[:2]); v != IdentityVersion {
		return nil, fmt.Errorf("unsupported identity version %d", v)
	}
	salt := data[2 : 2+SaltSize]
	nonce := data[2+SaltSize : 2+SaltSize+nonceSize]
	sealed := data[2+SaltSize+nonceSize:]

	gcm, err := identityCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}
	secret, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrIdentityCorrupt
	}
	defer ZeroBytes(secret)
	if len(secret) != 32 {
		return nil, fmt.Errorf("%w: key is %d bytes", ErrIdentityCorrupt, len(secret))
	}

	var sk [32]byte
	copy(sk[:], secret)
	return FromSecretKey(sk)
}

// LoadOrCreateIdentity loads the identity at path, generating and saving a new
// one when the file does not exist. created reports which happened.
func LoadOrCreateIdentity(path string, passphrase []byte) (kp *KeyPair, created bool, err error) {
	kp, err = LoadIdentity(path, passphrase)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	if kp, err = GenerateKeyPair(); err != nil {
		return nil, false, err
	}
	if err := SaveIdentity(path, kp, passphrase); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

func identityCipher(passphrase, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, 32, sha256.New)
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
