// Package cryptosession is the heart of the session crypto core: it owns
// per-user SessionState, performs the ECDH/ECDSA handshake, seals and
// opens SecureEnvelopes, and drives key rotation with a grace window
// for in-flight traffic under the outgoing key.
package cryptosession

import (
	"context"
	"crypto/ecdsa"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jaydenbeard/titan-crypt/internal/envelope"
	"github.com/jaydenbeard/titan-crypt/internal/metrics"
	"github.com/jaydenbeard/titan-crypt/internal/primitives"
	"github.com/jaydenbeard/titan-crypt/internal/store"
)

// Policy holds the tunable knobs from §6's enumerated configuration
// that the Session Manager itself enforces.
type Policy struct {
	RotationInterval  time.Duration
	MaxMessagesPerKey uint64
	GracePeriod       time.Duration
	ReplayWindow      time.Duration
	ClockSkew         time.Duration
	SessionTTL        time.Duration
}

// DefaultPolicy mirrors the defaults enumerated in §6.
func DefaultPolicy() Policy {
	return Policy{
		RotationInterval:  60 * time.Minute,
		MaxMessagesPerKey: 1_000_000,
		GracePeriod:       5 * time.Minute,
		ReplayWindow:      60 * time.Second,
		ClockSkew:         5 * time.Second,
		SessionTTL:        24 * time.Hour,
	}
}

// HandshakeResponse is returned from Handshake.
type HandshakeResponse struct {
	KeyID                 string
	ServerECDHPubSPKI     []byte
	ServerSigningPubSPKI  []byte
	HKDFSalt              []byte
	GracePeriodSeconds    int64
}

// KeyRotationRequest is returned from InitiateRotation and pushed to the
// user's connections by the Rotation Driver.
type KeyRotationRequest struct {
	NewKeyID          string
	ServerECDHPubSPKI []byte
	HKDFSalt          []byte
}

// RotationAck is the client's response completing a rotation.
type RotationAck struct {
	ClientECDHPubSPKI []byte
	ClientSignPubSPKI []byte
}

// Manager owns every live SessionState and the server's long-term
// signing identity.
type Manager struct {
	mapMu    sync.RWMutex
	sessions map[string]*SessionState

	store  store.StateStore
	policy Policy

	signingPriv    *ecdsa.PrivateKey
	signingPubSPKI []byte

	logger *log.Logger
}

// NewManager constructs a Manager, loading the server signing key from
// st if present or generating and persisting one on first boot. st may
// be nil, in which case an in-memory-only store.MemoryStore is used —
// persistence is optional, never required.
func NewManager(ctx context.Context, st store.StateStore, policy Policy) (*Manager, error) {
	if st == nil {
		st = store.NewMemoryStore()
	}

	m := &Manager{
		sessions: make(map[string]*SessionState),
		store:    st,
		policy:   policy,
		logger:   log.New(os.Stdout, "[CRYPTOSESSION] ", log.Ldate|log.Ltime|log.LUTC),
	}

	if err := m.loadOrGenerateSigningKey(ctx); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) loadOrGenerateSigningKey(ctx context.Context) error {
	der, err := m.store.LoadSigningKey(ctx)
	if err == nil {
		priv, parseErr := primitives.ParseSigningPrivateKey(der)
		if parseErr != nil {
			return parseErr
		}
		pub, pubErr := primitives.MarshalSigningPublicKey(&priv.PublicKey)
		if pubErr != nil {
			return pubErr
		}
		m.signingPriv = priv
		m.signingPubSPKI = pub
		return nil
	}
	if err != store.ErrNotFound {
		return err
	}

	priv, err := primitives.GenerateSigningKey()
	if err != nil {
		return err
	}
	der, err = primitives.MarshalSigningPrivateKey(priv)
	if err != nil {
		return err
	}
	pub, err := primitives.MarshalSigningPublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}

	if err := m.store.SaveSigningKey(ctx, der); err != nil {
		metrics.RecordPersistenceFailure("save_signing_key")
		m.logger.Printf("warning: failed to persist signing key: %v", err)
	}

	m.signingPriv = priv
	m.signingPubSPKI = pub
	return nil
}

// SigningPublicKey returns the server's long-term SPKI-encoded signing
// public key, handed to clients during handshake.
func (m *Manager) SigningPublicKey() []byte {
	return m.signingPubSPKI
}

func (m *Manager) getSession(userID string) *SessionState {
	m.mapMu.RLock()
	defer m.mapMu.RUnlock()
	return m.sessions[userID]
}

func (m *Manager) putSession(userID string, s *SessionState) {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	m.sessions[userID] = s
}

// LoadAll restores every persisted session from the store at startup.
// recv_seq_by_key_id resets to empty for each, per §6.
func (m *Manager) LoadAll(ctx context.Context) error {
	records, err := m.store.ScanSessions(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		s, err := unmarshalSessionState(rec.UserID, rec.Blob)
		if err != nil {
			m.logger.Printf("warning: failed to restore session for %s: %v", rec.UserID, err)
			continue
		}
		m.putSession(rec.UserID, s)
	}
	metrics.SessionsActive.Set(float64(len(records)))
	return nil
}

func (m *Manager) persist(ctx context.Context, s *SessionState) {
	blob, err := s.marshal()
	if err != nil {
		metrics.RecordPersistenceFailure("marshal_session")
		m.logger.Printf("warning: failed to marshal session for %s: %v", s.userID, err)
		return
	}
	if err := m.store.SaveSession(ctx, s.userID, blob, int64(m.policy.SessionTTL.Seconds())); err != nil {
		metrics.RecordPersistenceFailure("save_session")
		m.logger.Printf("warning: failed to persist session for %s: %v", s.userID, err)
	}
}

// Handshake establishes or replaces a user's session keys. Repeating
// it is idempotent in effect: it simply rotates whatever was current
// into the previous slot again.
func (m *Manager) Handshake(ctx context.Context, userID string, clientECDHPubSPKI, clientSignPubSPKI []byte) (*HandshakeResponse, error) {
	serverPriv, serverPubSPKI, err := primitives.ECDHGenerate()
	if err != nil {
		return nil, err
	}
	shared, err := primitives.ECDHAgree(serverPriv, clientECDHPubSPKI)
	if err != nil {
		return nil, err
	}
	defer primitives.Zeroize(shared)

	salt, err := primitives.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	aesKey, err := primitives.KDF(shared, salt, primitives.AESKeySize)
	if err != nil {
		return nil, err
	}
	keyID, err := primitives.NewKeyID()
	if err != nil {
		return nil, err
	}

	existing := m.getSession(userID)

	newSession := newSessionState(userID, keyID, aesKey, salt, clientSignPubSPKI)

	if existing != nil {
		existing.mu.Lock()
		if existing.previousAESKey != nil {
			existing.previousAESKey.Wipe()
		}
		newSession.previousKeyID = existing.keyID
		newSession.previousAESKey = existing.aesKey
		newSession.previousClientSigningPubKey = existing.clientSigningPubKey
		newSession.previousKeyExpiresAt = time.Now().Add(m.policy.GracePeriod)
		newSession.recvSeqByKeyID[existing.keyID] = existing.recvSeqByKeyID[existing.keyID]
		existing.mu.Unlock()
	}

	m.putSession(userID, newSession)
	m.persist(ctx, newSession)
	metrics.HandshakesTotal.Inc()
	m.refreshActiveGauge()

	return &HandshakeResponse{
		KeyID:                keyID,
		ServerECDHPubSPKI:    serverPubSPKI,
		ServerSigningPubSPKI: m.signingPubSPKI,
		HKDFSalt:             salt,
		GracePeriodSeconds:   int64(m.policy.GracePeriod.Seconds()),
	}, nil
}

func (m *Manager) refreshActiveGauge() {
	m.mapMu.RLock()
	defer m.mapMu.RUnlock()
	metrics.SessionsActive.Set(float64(len(m.sessions)))
}

// Seal encrypts plaintext under the user's session. keyIDHint, if it
// matches a still-live previous key, seals under that key instead of
// current — used to respond under the same key a request arrived on
// during a rotation's grace window.
func (m *Manager) Seal(ctx context.Context, userID string, plaintext []byte, keyIDHint string) (*envelope.SecureEnvelope, error) {
	s := m.getSession(userID)
	if s == nil {
		return nil, ErrNoSession
	}

	s.mu.Lock()
	usePrevious := keyIDHint != "" && keyIDHint == s.previousKeyID &&
		s.previousAESKey != nil && s.previousAESKey.IsLive() && time.Now().Before(s.previousKeyExpiresAt)

	var keyID string
	var aesKey []byte
	var signingPriv = m.signingPriv
	if usePrevious {
		keyID = s.previousKeyID
		aesKey = s.previousAESKey.Bytes()
	} else {
		keyID = s.keyID
		aesKey = s.aesKey.Bytes()
	}
	s.mu.Unlock()

	if aesKey == nil {
		return nil, ErrUnknownKey
	}

	nonce := s.nextNonce()
	ciphertext, tag, err := primitives.AEADSeal(aesKey, nonce[:], plaintext)
	if err != nil {
		return nil, err
	}

	env := &envelope.SecureEnvelope{
		KeyID:          keyID,
		Nonce:          nonce[:],
		Ciphertext:     ciphertext,
		Tag:            tag,
		TimestampMS:    time.Now().UnixMilli(),
		SequenceNumber: s.nextServerSequence(),
	}

	signingInput, err := envelope.CanonicalSigningBytes(env)
	if err != nil {
		return nil, err
	}
	sig, err := primitives.ECDSASign(signingPriv, signingInput)
	if err != nil {
		return nil, err
	}
	env.Signature = sig

	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()

	metrics.SealOperationsTotal.Inc()
	return env, nil
}

// Open validates and decrypts an inbound SecureEnvelope for userID.
func (m *Manager) Open(ctx context.Context, userID string, env *envelope.SecureEnvelope) ([]byte, error) {
	s := m.getSession(userID)
	if s == nil {
		metrics.RecordError("NoSession")
		return nil, ErrNoSession
	}

	s.mu.Lock()

	var aesKey []byte
	var signingPub []byte
	switch env.KeyID {
	case s.keyID:
		aesKey = s.aesKey.Bytes()
		signingPub = s.clientSigningPubKey
	case s.previousKeyID:
		if s.previousAESKey == nil || !s.previousAESKey.IsLive() {
			s.mu.Unlock()
			metrics.RecordError("UnknownKey")
			return nil, ErrUnknownKey
		}
		if time.Now().After(s.previousKeyExpiresAt) {
			s.previousAESKey.Wipe()
			s.previousKeyID = ""
			s.previousClientSigningPubKey = nil
			s.mu.Unlock()
			metrics.RecordError("PreviousKeyExpired")
			metrics.PreviousKeyExpiredTotal.Inc()
			return nil, ErrPreviousKeyExpired
		}
		aesKey = s.previousAESKey.Bytes()
		signingPub = s.previousClientSigningPubKey
	default:
		s.mu.Unlock()
		metrics.RecordError("UnknownKey")
		return nil, ErrUnknownKey
	}

	now := time.Now().UnixMilli()
	delta := now - env.TimestampMS
	if delta > m.policy.ReplayWindow.Milliseconds() || delta < -m.policy.ClockSkew.Milliseconds() {
		s.mu.Unlock()
		metrics.RecordError("TimestampOutOfWindow")
		return nil, ErrTimestampOutOfWindow
	}

	lastSeq := s.recvSeqByKeyID[env.KeyID]
	if env.SequenceNumber <= lastSeq {
		s.mu.Unlock()
		metrics.RecordError("SequenceRegression")
		return nil, ErrSequenceRegression
	}
	s.mu.Unlock()

	signingInput, err := envelope.CanonicalSigningBytes(env)
	if err != nil {
		metrics.RecordError("InvalidSignature")
		return nil, err
	}
	ok, err := primitives.ECDSAVerify(signingPub, signingInput, env.Signature)
	if err != nil || !ok {
		metrics.RecordError("InvalidSignature")
		return nil, ErrInvalidSignature
	}

	plaintext, err := primitives.AEADOpen(aesKey, env.Nonce, env.Ciphertext, env.Tag)
	if err != nil {
		metrics.RecordError("InvalidTag")
		return nil, err
	}

	s.mu.Lock()
	s.recvSeqByKeyID[env.KeyID] = env.SequenceNumber
	s.messageCount++
	s.lastActivityAt = time.Now()
	s.mu.Unlock()

	metrics.OpenOperationsTotal.Inc()
	return plaintext, nil
}

// InitiateRotation begins a server-initiated rotation, returning the
// pending values idempotently if one is already in flight. trigger
// identifies why rotation was requested ("time", "message_count", or
// "admin") and is recorded against RotationsTotal exactly once, the
// moment a new pending rotation is actually created.
func (m *Manager) InitiateRotation(ctx context.Context, userID string, trigger string) (*KeyRotationRequest, error) {
	s := m.getSession(userID)
	if s == nil {
		return nil, ErrNoSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingRotationKeyID != "" {
		return &KeyRotationRequest{
			NewKeyID:          s.pendingRotationKeyID,
			ServerECDHPubSPKI: s.pendingRotationECDHPubSPKI,
			HKDFSalt:          s.pendingRotationSalt,
		}, nil
	}

	priv, pubSPKI, err := primitives.ECDHGenerate()
	if err != nil {
		return nil, err
	}
	salt, err := primitives.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	keyID, err := primitives.NewKeyID()
	if err != nil {
		return nil, err
	}

	s.pendingRotationKeyID = keyID
	s.pendingRotationECDHPriv = priv
	s.pendingRotationECDHPubSPKI = pubSPKI
	s.pendingRotationSalt = salt

	metrics.RecordRotation(trigger)

	return &KeyRotationRequest{
		NewKeyID:          keyID,
		ServerECDHPubSPKI: pubSPKI,
		HKDFSalt:          salt,
	}, nil
}

// CompleteRotation finalizes a pending rotation: the current key moves
// into the previous slot with a fresh grace deadline, and the pending
// values become current.
func (m *Manager) CompleteRotation(ctx context.Context, userID string, ack RotationAck) error {
	s := m.getSession(userID)
	if s == nil {
		return ErrNoSession
	}

	s.mu.Lock()
	if s.pendingRotationKeyID == "" {
		s.mu.Unlock()
		return ErrNoPendingRotation
	}

	shared, err := primitives.ECDHAgree(s.pendingRotationECDHPriv, ack.ClientECDHPubSPKI)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	aesKey, err := primitives.KDF(shared, s.pendingRotationSalt, primitives.AESKeySize)
	primitives.Zeroize(shared)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if s.previousAESKey != nil {
		s.previousAESKey.Wipe()
	}
	s.previousKeyID = s.keyID
	s.previousAESKey = s.aesKey
	s.previousClientSigningPubKey = s.clientSigningPubKey
	s.previousKeyExpiresAt = time.Now().Add(m.policy.GracePeriod)

	s.keyID = s.pendingRotationKeyID
	s.aesKey = primitives.NewSecretKey(aesKey)
	s.hkdfSalt = s.pendingRotationSalt
	s.clientSigningPubKey = ack.ClientSignPubSPKI
	s.nonceCounter = 0
	s.serverSequence = 0
	s.messageCount = 0
	s.keyCreatedAt = time.Now()
	s.recvSeqByKeyID[s.keyID] = 0

	s.pendingRotationKeyID = ""
	s.pendingRotationECDHPriv = nil
	s.pendingRotationECDHPubSPKI = nil
	s.pendingRotationSalt = nil
	s.mu.Unlock()

	m.persist(ctx, s)
	return nil
}

// NeedsRotation reports whether a user's current key has aged out by
// time or message volume, and which one triggered it. The trigger
// string is suitable for passing straight to InitiateRotation.
func (m *Manager) NeedsRotation(ctx context.Context, userID string) (needs bool, trigger string, err error) {
	s := m.getSession(userID)
	if s == nil {
		return false, "", ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.keyCreatedAt) >= m.policy.RotationInterval {
		return true, "time", nil
	}
	if s.messageCount >= m.policy.MaxMessagesPerKey {
		return true, "message_count", nil
	}
	return false, "", nil
}

// CleanupExpiredPreviousKeys walks every session and zeros any previous
// key whose grace deadline has passed. Returns the count zeroed.
func (m *Manager) CleanupExpiredPreviousKeys(ctx context.Context) int {
	m.mapMu.RLock()
	sessions := make([]*SessionState, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mapMu.RUnlock()

	count := 0
	now := time.Now()
	for _, s := range sessions {
		s.mu.Lock()
		if s.previousAESKey != nil && s.previousAESKey.IsLive() && now.After(s.previousKeyExpiresAt) {
			s.previousAESKey.Wipe()
			s.previousKeyID = ""
			s.previousClientSigningPubKey = nil
			count++
			metrics.PreviousKeyExpiredTotal.Inc()
		}
		s.mu.Unlock()
	}
	return count
}

// Remove drops a user's session entirely, zeroing all key material.
func (m *Manager) Remove(ctx context.Context, userID string) error {
	m.mapMu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mapMu.Unlock()

	if ok {
		s.mu.Lock()
		s.wipe()
		s.mu.Unlock()
	}

	m.refreshActiveGauge()
	if err := m.store.DeleteSession(ctx, userID); err != nil {
		metrics.RecordPersistenceFailure("delete_session")
		m.logger.Printf("warning: failed to delete persisted session for %s: %v", userID, err)
	}
	return nil
}

// StatsFor returns the non-secret view of a user's session.
func (m *Manager) StatsFor(userID string) (*Stats, error) {
	s := m.getSession(userID)
	if s == nil {
		return nil, ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Stats{
		KeyID:          s.keyID,
		MessageCount:   s.messageCount,
		KeyCreatedAt:   s.keyCreatedAt,
		LastActivityAt: s.lastActivityAt,
	}, nil
}

// IsEnabled reports whether userID has a live session.
func (m *Manager) IsEnabled(userID string) bool {
	return m.getSession(userID) != nil
}

// AllUserIDs returns the user ids with a live in-memory session, used
// by the Rotation Driver to poll NeedsRotation.
func (m *Manager) AllUserIDs() []string {
	m.mapMu.RLock()
	defer m.mapMu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}
