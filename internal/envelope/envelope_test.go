package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelope() *SecureEnvelope {
	return &SecureEnvelope{
		KeyID:          "K1",
		Nonce:          []byte("123456789012"),
		Ciphertext:     []byte("ciphertext-bytes-of-arbitrary-length"),
		Tag:            []byte("0123456789abcdef"),
		Signature:      []byte("signature-bytes"),
		TimestampMS:    1700000000000,
		SequenceNumber: 7,
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	e := sampleEnvelope()
	encoded := EncodeBinary(e)
	decoded, err := DecodeBinary(encoded)
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestJSONRoundTrip(t *testing.T) {
	e := sampleEnvelope()
	encoded, err := EncodeJSON(e)
	require.NoError(t, err)
	decoded, err := DecodeJSON(encoded)
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestCanonicalSigningBytesDeterministic(t *testing.T) {
	e := sampleEnvelope()
	b1, err := CanonicalSigningBytes(e)
	require.NoError(t, err)
	b2, err := CanonicalSigningBytes(e)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestCanonicalSigningBytesExactLayout(t *testing.T) {
	e := &SecureEnvelope{
		KeyID:          "AB",
		Nonce:          make([]byte, 12),
		Ciphertext:     []byte{0xaa, 0xbb},
		Tag:            make([]byte, 16),
		TimestampMS:    1,
		SequenceNumber: 2,
	}
	got, err := CanonicalSigningBytes(e)
	require.NoError(t, err)

	// varint(2) 'A' 'B' || nonce(12 zero) || ciphertext(2) || tag(16 zero) || ts(8 LE) || seq(8 LE)
	want := []byte{0x02, 'A', 'B'}
	want = append(want, make([]byte, 12)...)
	want = append(want, 0xaa, 0xbb)
	want = append(want, make([]byte, 16)...)
	want = append(want, 1, 0, 0, 0, 0, 0, 0, 0)
	want = append(want, 2, 0, 0, 0, 0, 0, 0, 0)

	assert.Equal(t, want, got)
}

func TestCanonicalSigningBytesChangesWithEveryField(t *testing.T) {
	base := sampleEnvelope()
	baseBytes, err := CanonicalSigningBytes(base)
	require.NoError(t, err)

	mutate := func(fn func(*SecureEnvelope)) []byte {
		e := sampleEnvelope()
		fn(e)
		b, err := CanonicalSigningBytes(e)
		require.NoError(t, err)
		return b
	}

	cases := []func(*SecureEnvelope){
		func(e *SecureEnvelope) { e.KeyID = "K2" },
		func(e *SecureEnvelope) { e.Nonce[0] ^= 0xFF },
		func(e *SecureEnvelope) { e.Ciphertext[0] ^= 0xFF },
		func(e *SecureEnvelope) { e.Tag[0] ^= 0xFF },
		func(e *SecureEnvelope) { e.TimestampMS++ },
		func(e *SecureEnvelope) { e.SequenceNumber++ },
	}
	for _, c := range cases {
		assert.NotEqual(t, baseBytes, mutate(c))
	}
}

func TestInvocationBinaryRoundTrip(t *testing.T) {
	inv := &EncryptedInvocation{Target: "ping", Payload: []byte("hello")}
	encoded := EncodeInvocationBinary(inv)
	decoded, err := DecodeInvocationBinary(encoded)
	require.NoError(t, err)
	assert.Equal(t, inv, decoded)
}

func TestInvocationJSONRoundTrip(t *testing.T) {
	inv := &EncryptedInvocation{Target: "ping", Payload: []byte("hello")}
	encoded, err := EncodeInvocationJSON(inv)
	require.NoError(t, err)
	decoded, err := DecodeInvocationJSON(encoded)
	require.NoError(t, err)
	assert.Equal(t, inv, decoded)
}

func TestDecodeInvocationAcceptsBothFlavors(t *testing.T) {
	inv := &EncryptedInvocation{Target: "ping", Payload: []byte("hello")}

	binEncoded := EncodeInvocationBinary(inv)
	decoded, err := DecodeInvocation(binEncoded)
	require.NoError(t, err)
	assert.Equal(t, inv, decoded)

	jsonEncoded, err := EncodeInvocationJSON(inv)
	require.NoError(t, err)
	decoded, err = DecodeInvocation(jsonEncoded)
	require.NoError(t, err)
	assert.Equal(t, inv, decoded)
}
