package cryptosession

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/titan-crypt/internal/envelope"
	"github.com/jaydenbeard/titan-crypt/internal/primitives"
	"github.com/jaydenbeard/titan-crypt/internal/store"
)

func newTestManager(t *testing.T, policy Policy) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), store.NewMemoryStore(), policy)
	require.NoError(t, err)
	return m
}

// newClientSigningKey mints a fresh ECDSA key pair standing in for a
// client's long-term signing identity, returning the private key (used
// to sign test envelopes) and its SPKI DER public form (handed to the
// manager during handshake).
func newClientSigningKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := primitives.GenerateSigningKey()
	require.NoError(t, err)
	pub, err := primitives.MarshalSigningPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return priv, pub
}

func newClientECDHPub(t *testing.T) []byte {
	t.Helper()
	_, pub, err := primitives.ECDHGenerate()
	require.NoError(t, err)
	return pub
}

// handshakeUser performs a handshake for userID and returns both the
// response and the client signing key the caller must use to sign any
// envelope it wants the manager to accept in Open.
func handshakeUser(t *testing.T, m *Manager, userID string) (*HandshakeResponse, *ecdsa.PrivateKey) {
	t.Helper()
	signPriv, signPub := newClientSigningKey(t)
	resp, err := m.Handshake(context.Background(), userID, newClientECDHPub(t), signPub)
	require.NoError(t, err)
	return resp, signPriv
}

// sealAsClient builds and signs a SecureEnvelope the way a client would,
// bypassing the manager's own Seal (which signs with the server key)
// since Open verifies inbound envelopes against the client's key.
func sealAsClient(t *testing.T, signPriv *ecdsa.PrivateKey, keyID string, aesKey, plaintext []byte, seq int64, ts time.Time) *envelope.SecureEnvelope {
	t.Helper()
	nonce, err := primitives.RandomBytes(primitives.NonceSize)
	require.NoError(t, err)
	ciphertext, tag, err := primitives.AEADSeal(aesKey, nonce, plaintext)
	require.NoError(t, err)

	env := &envelope.SecureEnvelope{
		KeyID:          keyID,
		Nonce:          nonce,
		Ciphertext:     ciphertext,
		Tag:            tag,
		TimestampMS:    ts.UnixMilli(),
		SequenceNumber: seq,
	}
	signingInput, err := envelope.CanonicalSigningBytes(env)
	require.NoError(t, err)
	sig, err := primitives.ECDSASign(signPriv, signingInput)
	require.NoError(t, err)
	env.Signature = sig
	return env
}

func currentAESKey(s *SessionState) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aesKey.Bytes()
}

func TestSealOpenRoundTripUnderClientSignedEnvelope(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	resp, signPriv := handshakeUser(t, m, "alice")

	s := m.getSession("alice")
	aesKey := currentAESKey(s)

	env := sealAsClient(t, signPriv, resp.KeyID, aesKey, []byte("hello alice"), 1, time.Now())
	plaintext, err := m.Open(context.Background(), "alice", env)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello alice"), plaintext)
}

func TestServerSealProducesVerifiableEnvelope(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	handshakeUser(t, m, "alice2")

	env, err := m.Seal(context.Background(), "alice2", []byte("server says hi"), "")
	require.NoError(t, err)

	signingInput, err := envelope.CanonicalSigningBytes(env)
	require.NoError(t, err)
	ok, err := primitives.ECDSAVerify(m.SigningPublicKey(), signingInput, env.Signature)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandshakeTwiceMovesCurrentIntoPrevious(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	first, _ := handshakeUser(t, m, "bob")
	second, _ := handshakeUser(t, m, "bob")

	require.NotEqual(t, first.KeyID, second.KeyID)

	s := m.getSession("bob")
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, first.KeyID, s.previousKeyID)
	assert.Equal(t, second.KeyID, s.keyID)
	assert.True(t, s.previousAESKey.IsLive())
}

func TestNonceCounterIsUniquePerSeal(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	handshakeUser(t, m, "carol")

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		env, err := m.Seal(context.Background(), "carol", []byte("msg"), "")
		require.NoError(t, err)
		nonce := string(env.Nonce)
		assert.False(t, seen[nonce], "nonce reused at iteration %d", i)
		seen[nonce] = true
	}
}

func TestOpenRejectsUnknownKeyID(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	_, signPriv := handshakeUser(t, m, "dave")
	s := m.getSession("dave")
	aesKey := currentAESKey(s)

	env := sealAsClient(t, signPriv, "not-a-real-key-id", aesKey, []byte("x"), 1, time.Now())
	_, err := m.Open(context.Background(), "dave", env)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestOpenRejectsSequenceRegression(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	resp, signPriv := handshakeUser(t, m, "erin")
	s := m.getSession("erin")
	aesKey := currentAESKey(s)

	env1 := sealAsClient(t, signPriv, resp.KeyID, aesKey, []byte("first"), 5, time.Now())
	_, err := m.Open(context.Background(), "erin", env1)
	require.NoError(t, err)

	env2 := sealAsClient(t, signPriv, resp.KeyID, aesKey, []byte("replay"), 5, time.Now())
	_, err = m.Open(context.Background(), "erin", env2)
	assert.ErrorIs(t, err, ErrSequenceRegression)
}

func TestOpenRejectsOutOfOrderLowerSequence(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	resp, signPriv := handshakeUser(t, m, "erin2")
	s := m.getSession("erin2")
	aesKey := currentAESKey(s)

	env1 := sealAsClient(t, signPriv, resp.KeyID, aesKey, []byte("first"), 10, time.Now())
	_, err := m.Open(context.Background(), "erin2", env1)
	require.NoError(t, err)

	env2 := sealAsClient(t, signPriv, resp.KeyID, aesKey, []byte("stale"), 3, time.Now())
	_, err = m.Open(context.Background(), "erin2", env2)
	assert.ErrorIs(t, err, ErrSequenceRegression)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	resp, signPriv := handshakeUser(t, m, "frank")
	s := m.getSession("frank")
	aesKey := currentAESKey(s)

	env := sealAsClient(t, signPriv, resp.KeyID, aesKey, []byte("hi"), 1, time.Now())
	env.Ciphertext[0] ^= 0xFF

	_, err := m.Open(context.Background(), "frank", env)
	assert.Error(t, err)
}

func TestOpenRejectsForeignSignature(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	resp, _ := handshakeUser(t, m, "frank2")
	attackerPriv, _ := newClientSigningKey(t)
	s := m.getSession("frank2")
	aesKey := currentAESKey(s)

	env := sealAsClient(t, attackerPriv, resp.KeyID, aesKey, []byte("forged"), 1, time.Now())
	_, err := m.Open(context.Background(), "frank2", env)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestOpenRejectsTimestampOutsideReplayWindow(t *testing.T) {
	policy := DefaultPolicy()
	policy.ReplayWindow = 1 * time.Second
	m := newTestManager(t, policy)
	resp, signPriv := handshakeUser(t, m, "gus")
	s := m.getSession("gus")
	aesKey := currentAESKey(s)

	stale := time.Now().Add(-10 * time.Second)
	env := sealAsClient(t, signPriv, resp.KeyID, aesKey, []byte("old"), 1, stale)
	_, err := m.Open(context.Background(), "gus", env)
	assert.ErrorIs(t, err, ErrTimestampOutOfWindow)
}

func TestCrossUserSessionsAreIsolated(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	handshakeUser(t, m, "gina")
	resp2, signPriv2 := handshakeUser(t, m, "harold")

	haroldSession := m.getSession("harold")
	aesKey := currentAESKey(haroldSession)

	env := sealAsClient(t, signPriv2, resp2.KeyID, aesKey, []byte("for harold"), 1, time.Now())
	_, err := m.Open(context.Background(), "gina", env)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestPreviousKeyExpiresAfterGracePeriod(t *testing.T) {
	policy := DefaultPolicy()
	policy.GracePeriod = 1 * time.Millisecond
	m := newTestManager(t, policy)

	resp1, signPriv := handshakeUser(t, m, "iris")
	s := m.getSession("iris")
	oldAESKey := currentAESKey(s)

	handshakeUser(t, m, "iris")
	time.Sleep(5 * time.Millisecond)

	env := sealAsClient(t, signPriv, resp1.KeyID, oldAESKey, []byte("late"), 1, time.Now())
	_, err := m.Open(context.Background(), "iris", env)
	assert.ErrorIs(t, err, ErrPreviousKeyExpired)

	current := m.getSession("iris")
	current.mu.Lock()
	assert.False(t, current.previousAESKey.IsLive())
	current.mu.Unlock()
}

func TestPreviousKeyAcceptedWithinGracePeriod(t *testing.T) {
	policy := DefaultPolicy()
	policy.GracePeriod = 1 * time.Minute
	m := newTestManager(t, policy)

	resp1, signPriv := handshakeUser(t, m, "iris2")
	s := m.getSession("iris2")
	oldAESKey := currentAESKey(s)

	handshakeUser(t, m, "iris2")

	env := sealAsClient(t, signPriv, resp1.KeyID, oldAESKey, []byte("still valid"), 1, time.Now())
	plaintext, err := m.Open(context.Background(), "iris2", env)
	require.NoError(t, err)
	assert.Equal(t, []byte("still valid"), plaintext)
}

func TestInitiateRotationIsIdempotent(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	handshakeUser(t, m, "jack")

	first, err := m.InitiateRotation(context.Background(), "jack", "admin")
	require.NoError(t, err)
	second, err := m.InitiateRotation(context.Background(), "jack", "admin")
	require.NoError(t, err)

	assert.Equal(t, first.NewKeyID, second.NewKeyID)
	assert.Equal(t, first.ServerECDHPubSPKI, second.ServerECDHPubSPKI)
}

func TestCompleteRotationRestartsCountersAtZero(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	handshakeUser(t, m, "karen")

	_, err := m.Seal(context.Background(), "karen", []byte("before rotation"), "")
	require.NoError(t, err)

	req, err := m.InitiateRotation(context.Background(), "karen", "admin")
	require.NoError(t, err)

	_, signPub2 := newClientSigningKey(t)
	err = m.CompleteRotation(context.Background(), "karen", RotationAck{
		ClientECDHPubSPKI: newClientECDHPub(t),
		ClientSignPubSPKI: signPub2,
	})
	require.NoError(t, err)

	s := m.getSession("karen")
	s.mu.Lock()
	assert.Equal(t, req.NewKeyID, s.keyID)
	assert.Equal(t, uint64(0), s.nonceCounter)
	assert.Equal(t, uint64(0), s.serverSequence)
	assert.True(t, s.previousAESKey.IsLive())
	s.mu.Unlock()
}

func TestCompleteRotationWithoutPendingFails(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	handshakeUser(t, m, "leo")

	err := m.CompleteRotation(context.Background(), "leo", RotationAck{ClientECDHPubSPKI: newClientECDHPub(t)})
	assert.ErrorIs(t, err, ErrNoPendingRotation)
}

func TestNeedsRotationByMessageVolume(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxMessagesPerKey = 2
	m := newTestManager(t, policy)
	handshakeUser(t, m, "mona")

	needs, trigger, err := m.NeedsRotation(context.Background(), "mona")
	require.NoError(t, err)
	assert.False(t, needs)
	assert.Empty(t, trigger)

	s := m.getSession("mona")
	s.mu.Lock()
	s.messageCount = 2
	s.mu.Unlock()

	needs, trigger, err = m.NeedsRotation(context.Background(), "mona")
	require.NoError(t, err)
	assert.True(t, needs)
	assert.Equal(t, "message_count", trigger)
}

func TestNeedsRotationByAge(t *testing.T) {
	policy := DefaultPolicy()
	policy.RotationInterval = 1 * time.Millisecond
	m := newTestManager(t, policy)
	handshakeUser(t, m, "mona2")

	time.Sleep(5 * time.Millisecond)
	needs, trigger, err := m.NeedsRotation(context.Background(), "mona2")
	require.NoError(t, err)
	assert.True(t, needs)
	assert.Equal(t, "time", trigger)
}

func TestCleanupExpiredPreviousKeysZeroesOnlyExpired(t *testing.T) {
	policy := DefaultPolicy()
	policy.GracePeriod = 1 * time.Millisecond
	m := newTestManager(t, policy)

	handshakeUser(t, m, "nancy")
	handshakeUser(t, m, "nancy")
	handshakeUser(t, m, "olga")
	handshakeUser(t, m, "olga")
	olga := m.getSession("olga")
	olga.mu.Lock()
	olga.previousKeyExpiresAt = time.Now().Add(time.Hour)
	olga.mu.Unlock()
	time.Sleep(5 * time.Millisecond)

	count := m.CleanupExpiredPreviousKeys(context.Background())
	assert.Equal(t, 1, count)
	olga.mu.Lock()
	assert.True(t, olga.previousAESKey.IsLive())
	olga.mu.Unlock()
}

func TestRemoveWipesSessionKeys(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	handshakeUser(t, m, "oscar")
	s := m.getSession("oscar")

	require.NoError(t, m.Remove(context.Background(), "oscar"))

	s.mu.Lock()
	assert.False(t, s.aesKey.IsLive())
	s.mu.Unlock()
	assert.Nil(t, m.getSession("oscar"))
}

func TestIsEnabledReflectsSessionPresence(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	assert.False(t, m.IsEnabled("pam"))
	handshakeUser(t, m, "pam")
	assert.True(t, m.IsEnabled("pam"))
}

func TestLoadAllRestoresSessionsWithEmptyReceiveSequences(t *testing.T) {
	st := store.NewMemoryStore()
	m, err := NewManager(context.Background(), st, DefaultPolicy())
	require.NoError(t, err)
	handshakeUser(t, m, "quinn")

	m2, err := NewManager(context.Background(), st, DefaultPolicy())
	require.NoError(t, err)
	require.NoError(t, m2.LoadAll(context.Background()))

	restored := m2.getSession("quinn")
	require.NotNil(t, restored)
	assert.Empty(t, restored.recvSeqByKeyID)
}

func TestStatsForReflectsActivity(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())
	resp, signPriv := handshakeUser(t, m, "ray")
	s := m.getSession("ray")
	aesKey := currentAESKey(s)

	env := sealAsClient(t, signPriv, resp.KeyID, aesKey, []byte("x"), 1, time.Now())
	_, err := m.Open(context.Background(), "ray", env)
	require.NoError(t, err)

	stats, err := m.StatsFor("ray")
	require.NoError(t, err)
	assert.Equal(t, resp.KeyID, stats.KeyID)
	assert.Equal(t, uint64(1), stats.MessageCount)
}
