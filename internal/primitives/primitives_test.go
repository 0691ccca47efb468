package primitives

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAEADSealOpenRoundTrip(t *testing.T) {
	key, err := RandomBytes(AESKeySize)
	require.NoError(t, err)
	nonce, err := RandomBytes(NonceSize)
	require.NoError(t, err)

	plaintext := []byte("ping the reversed hello")
	ciphertext, tag, err := AEADSeal(key, nonce, plaintext)
	require.NoError(t, err)
	assert.Len(t, tag, TagSize)

	recovered, err := AEADOpen(key, nonce, ciphertext, tag)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)
}

func TestAEADOpenRejectsTamperedCiphertext(t *testing.T) {
	key, _ := RandomBytes(AESKeySize)
	nonce, _ := RandomBytes(NonceSize)
	ciphertext, tag, err := AEADSeal(key, nonce, []byte("hello"))
	require.NoError(t, err)

	ciphertext[0] ^= 0xFF
	_, err = AEADOpen(key, nonce, ciphertext, tag)
	assert.ErrorIs(t, err, ErrInvalidTag)
}

func TestAEADOpenRejectsTamperedTag(t *testing.T) {
	key, _ := RandomBytes(AESKeySize)
	nonce, _ := RandomBytes(NonceSize)
	ciphertext, tag, err := AEADSeal(key, nonce, []byte("hello"))
	require.NoError(t, err)

	tag[0] ^= 0xFF
	_, err = AEADOpen(key, nonce, ciphertext, tag)
	assert.ErrorIs(t, err, ErrInvalidTag)
}

func TestECDHAgreeIsSymmetric(t *testing.T) {
	aPriv, aPub, err := ECDHGenerate()
	require.NoError(t, err)
	bPriv, bPub, err := ECDHGenerate()
	require.NoError(t, err)

	secretA, err := ECDHAgree(aPriv, bPub)
	require.NoError(t, err)
	secretB, err := ECDHAgree(bPriv, aPub)
	require.NoError(t, err)

	assert.Equal(t, secretA, secretB)
	assert.Len(t, secretA, 32)
}

func TestKDFIsDeterministic(t *testing.T) {
	secret, _ := RandomBytes(32)
	salt, _ := RandomBytes(32)

	k1, err := KDF(secret, salt, AESKeySize)
	require.NoError(t, err)
	k2, err := KDF(secret, salt, AESKeySize)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, AESKeySize)
}

func TestKDFDiffersBySalt(t *testing.T) {
	secret, _ := RandomBytes(32)
	salt1, _ := RandomBytes(32)
	salt2, _ := RandomBytes(32)

	k1, err := KDF(secret, salt1, AESKeySize)
	require.NoError(t, err)
	k2, err := KDF(secret, salt2, AESKeySize)
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
}

func TestECDSASignVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateSigningKey()
	require.NoError(t, err)
	pub, err := MarshalSigningPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	message := []byte("canonical signing bytes")
	sig, err := ECDSASign(priv, message)
	require.NoError(t, err)

	ok, err := ECDSAVerify(pub, message, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ECDSAVerify(pub, []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewKeyIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewKeyID()
		require.NoError(t, err)
		assert.False(t, seen[id], "key id collided: %s", id)
		seen[id] = true
	}
}

func TestSigningKeyPersistenceRoundTrip(t *testing.T) {
	priv, err := GenerateSigningKey()
	require.NoError(t, err)

	der, err := MarshalSigningPrivateKey(priv)
	require.NoError(t, err)

	recovered, err := ParseSigningPrivateKey(der)
	require.NoError(t, err)

	message := []byte("round trip")
	sig, err := ECDSASign(priv, message)
	require.NoError(t, err)

	pub, err := MarshalSigningPublicKey(&recovered.PublicKey)
	require.NoError(t, err)
	ok, err := ECDSAVerify(pub, message, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSecretKeyWipeIsIdempotent(t *testing.T) {
	raw, _ := RandomBytes(32)
	key := NewSecretKey(raw)
	assert.True(t, key.IsLive())

	key.Wipe()
	key.Wipe()

	assert.False(t, key.IsLive())
	assert.Nil(t, key.Bytes())
	for _, b := range raw {
		assert.Equal(t, byte(0), b)
	}
}
