package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, isZeroKey(kp.Public))
	assert.False(t, isZeroKey(kp.Private))

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.Public, other.Public)
}

func TestFromSecretKeyDerivesPublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	restored, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, restored.Public)
	assert.Equal(t, kp.ID(), restored.ID())
}

func TestFromSecretKeyRejectsZeroKey(t *testing.T) {
	_, err := FromSecretKey([32]byte{})
	assert.Error(t, err)
}

func TestIDRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	id := kp.ID()
	assert.Len(t, string(id), 64)

	pub, err := PublicKeyFromID(id)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, pub)
}

func TestPublicKeyFromIDRejectsGarbage(t *testing.T) {
	_, err := PublicKeyFromID("not-hex")
	assert.Error(t, err)

	_, err = PublicKeyFromID("abcd")
	assert.Error(t, err)
}
