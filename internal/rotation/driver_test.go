package rotation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/titan-crypt/internal/cryptosession"
	"github.com/jaydenbeard/titan-crypt/internal/envelope"
	"github.com/jaydenbeard/titan-crypt/internal/primitives"
	"github.com/jaydenbeard/titan-crypt/internal/store"
)

func newTestManager(t *testing.T, policy cryptosession.Policy) *cryptosession.Manager {
	t.Helper()
	m, err := cryptosession.NewManager(context.Background(), store.NewMemoryStore(), policy)
	require.NoError(t, err)
	return m
}

func handshakeTestUser(t *testing.T, m *cryptosession.Manager, userID string) *cryptosession.HandshakeResponse {
	t.Helper()
	_, clientECDHPub, err := primitives.ECDHGenerate()
	require.NoError(t, err)
	signingPriv, err := primitives.GenerateSigningKey()
	require.NoError(t, err)
	clientSignPub, err := primitives.MarshalSigningPublicKey(&signingPriv.PublicKey)
	require.NoError(t, err)
	resp, err := m.Handshake(context.Background(), userID, clientECDHPub, clientSignPub)
	require.NoError(t, err)
	return resp
}

type fakePusher struct {
	mu    sync.Mutex
	sent  map[string]int
	conns map[string][]string
}

func newFakePusher() *fakePusher {
	return &fakePusher{sent: make(map[string]int), conns: make(map[string][]string)}
}

func (f *fakePusher) ConnectionsForUser(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[userID]
}

func (f *fakePusher) SendToConnection(ctx context.Context, connID, methodName string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[connID]++
	return nil
}

// TestForceSweepCleansUpExpiredPreviousKeys confirms the sweep zeroes an
// already-expired previous key: after it runs, sealing under that key id
// hint falls back to the current key, and Open no longer knows the old
// key id at all (ErrUnknownKey), where an expired but uncleaned previous
// key would be reported as ErrPreviousKeyExpired.
func TestForceSweepCleansUpExpiredPreviousKeys(t *testing.T) {
	policy := cryptosession.DefaultPolicy()
	policy.GracePeriod = -1 * time.Second
	m := newTestManager(t, policy)
	handshakeTestUser(t, m, "user-1")
	first, err := m.StatsFor("user-1")
	require.NoError(t, err)
	oldKeyID := first.KeyID
	handshakeTestUser(t, m, "user-1") // moves current into an already-expired previous slot

	d := New(m, nil, time.Hour)
	d.ForceSweep(context.Background())

	env, err := m.Seal(context.Background(), "user-1", []byte("hi"), oldKeyID)
	require.NoError(t, err)
	assert.NotEqual(t, oldKeyID, env.KeyID, "sweep should have expired the previous key, forcing fallback to current")

	_, err = m.Open(context.Background(), "user-1", &envelope.SecureEnvelope{KeyID: oldKeyID})
	assert.ErrorIs(t, err, cryptosession.ErrUnknownKey)
}

func TestForceSweepRotatesUsersPastMessageVolume(t *testing.T) {
	policy := cryptosession.DefaultPolicy()
	policy.MaxMessagesPerKey = 0
	m := newTestManager(t, policy)
	handshakeTestUser(t, m, "user-1")

	pusher := newFakePusher()
	pusher.conns["user-1"] = []string{"conn-1", "conn-2"}

	d := New(m, pusher, time.Hour)
	d.ForceSweep(context.Background())

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	assert.Equal(t, 1, pusher.sent["conn-1"])
	assert.Equal(t, 1, pusher.sent["conn-2"])
}

func TestForceSweepSkipsUsersNotDueForRotation(t *testing.T) {
	m := newTestManager(t, cryptosession.DefaultPolicy())
	handshakeTestUser(t, m, "user-1")

	pusher := newFakePusher()
	pusher.conns["user-1"] = []string{"conn-1"}
	d := New(m, pusher, time.Hour)
	d.ForceSweep(context.Background())

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	assert.Equal(t, 0, pusher.sent["conn-1"])
}

func TestForceSweepWithoutPusherStillInitiatesRotation(t *testing.T) {
	policy := cryptosession.DefaultPolicy()
	policy.MaxMessagesPerKey = 0
	m := newTestManager(t, policy)
	handshakeTestUser(t, m, "user-1")

	d := New(m, nil, time.Hour)
	assert.NotPanics(t, func() { d.ForceSweep(context.Background()) })

	// a pending rotation now exists; InitiateRotation should return it
	// idempotently rather than minting a second one.
	req1, err := m.InitiateRotation(context.Background(), "user-1", "message_count")
	require.NoError(t, err)
	req2, err := m.InitiateRotation(context.Background(), "user-1", "message_count")
	require.NoError(t, err)
	assert.Equal(t, req1.NewKeyID, req2.NewKeyID)
}

func TestStartStopIsIdempotent(t *testing.T) {
	m := newTestManager(t, cryptosession.DefaultPolicy())
	d := New(m, nil, 10*time.Millisecond)
	d.Start()
	d.Start() // no-op, already running
	time.Sleep(25 * time.Millisecond)
	d.Stop()
	d.Stop() // no-op, already stopped
}
