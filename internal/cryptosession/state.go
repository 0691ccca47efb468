package cryptosession

import (
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaydenbeard/titan-crypt/internal/primitives"
)

// SessionState is the per-user cryptographic session described in the
// data model: a current key, an optional grace-window previous key,
// and an optional in-flight pending rotation. Every field outside
// nonceCounter/serverSequence is guarded by mu; those two use atomic
// fetch-add so seal/open never need the mutex just to allocate a
// nonce or sequence number.
type SessionState struct {
	mu sync.Mutex

	userID string

	keyID                string
	aesKey               *primitives.SecretKey
	hkdfSalt             []byte
	clientSigningPubKey  []byte
	userIDHash           [4]byte
	nonceCounter         uint64
	serverSequence       uint64
	recvSeqByKeyID       map[string]int64
	messageCount         uint64
	keyCreatedAt         time.Time
	lastActivityAt       time.Time

	previousKeyID               string
	previousAESKey              *primitives.SecretKey
	previousClientSigningPubKey []byte
	previousKeyExpiresAt        time.Time

	pendingRotationKeyID       string
	pendingRotationECDHPriv    *ecdh.PrivateKey
	pendingRotationECDHPubSPKI []byte
	pendingRotationSalt        []byte
}

// newSessionState builds a fresh session for userID with the given key
// material; used by handshake (CompleteRotation updates the existing
// session in place instead).
func newSessionState(userID, keyID string, aesKey []byte, salt, clientSigningPub []byte) *SessionState {
	return &SessionState{
		userID:              userID,
		keyID:               keyID,
		aesKey:              primitives.NewSecretKey(aesKey),
		hkdfSalt:            salt,
		clientSigningPubKey: clientSigningPub,
		userIDHash:          userIDHash4(userID),
		recvSeqByKeyID:      make(map[string]int64),
		keyCreatedAt:        time.Now(),
		lastActivityAt:      time.Now(),
	}
}

func userIDHash4(userID string) [4]byte {
	sum := sha256.Sum256([]byte(userID))
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}

// nextNonce builds the outbound nonce as userIDHash (4 bytes) ||
// nonceCounter (8 bytes, little-endian), claiming the counter with an
// atomic increment. This deterministic counter is the only nonce
// construction the server uses for sealing.
func (s *SessionState) nextNonce() [primitives.NonceSize]byte {
	n := atomic.AddUint64(&s.nonceCounter, 1)
	var nonce [primitives.NonceSize]byte
	copy(nonce[:4], s.userIDHash[:])
	binary.LittleEndian.PutUint64(nonce[4:], n)
	return nonce
}

func (s *SessionState) nextServerSequence() int64 {
	return int64(atomic.AddUint64(&s.serverSequence, 1))
}

// wipe zeroizes every secret this session owns. Callers must hold mu.
func (s *SessionState) wipe() {
	s.aesKey.Wipe()
	s.previousAESKey.Wipe()
}

// persistedState is the serialized form saved to the StateStore. Per
// §6, the receive-sequence map is deliberately omitted: on restore it
// resets to empty, which is safe because replay protection is only
// meaningful for traffic the server has actually seen since the
// restart.
type persistedState struct {
	KeyID                       string `json:"keyId"`
	AESKey                      []byte `json:"aesKey"`
	HKDFSalt                    []byte `json:"hkdfSalt"`
	ClientSigningPubKey         []byte `json:"clientSigningPubKey"`
	NonceCounter                uint64 `json:"nonceCounter"`
	ServerSequence              uint64 `json:"serverSequence"`
	MessageCount                uint64 `json:"messageCount"`
	KeyCreatedAtUnix            int64  `json:"keyCreatedAtUnix"`
	LastActivityAtUnix          int64  `json:"lastActivityAtUnix"`
	PreviousKeyID               string `json:"previousKeyId,omitempty"`
	PreviousAESKey              []byte `json:"previousAesKey,omitempty"`
	PreviousClientSigningPubKey []byte `json:"previousClientSigningPubKey,omitempty"`
	PreviousKeyExpiresAtUnix    int64  `json:"previousKeyExpiresAtUnix,omitempty"`
}

func (s *SessionState) marshal() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := persistedState{
		KeyID:               s.keyID,
		AESKey:              s.aesKey.Bytes(),
		HKDFSalt:            s.hkdfSalt,
		ClientSigningPubKey: s.clientSigningPubKey,
		NonceCounter:        atomic.LoadUint64(&s.nonceCounter),
		ServerSequence:      atomic.LoadUint64(&s.serverSequence),
		MessageCount:        s.messageCount,
		KeyCreatedAtUnix:    s.keyCreatedAt.Unix(),
		LastActivityAtUnix:  s.lastActivityAt.Unix(),
	}
	if s.previousAESKey != nil && s.previousAESKey.IsLive() {
		p.PreviousKeyID = s.previousKeyID
		p.PreviousAESKey = s.previousAESKey.Bytes()
		p.PreviousClientSigningPubKey = s.previousClientSigningPubKey
		p.PreviousKeyExpiresAtUnix = s.previousKeyExpiresAt.Unix()
	}
	return json.Marshal(p)
}

func unmarshalSessionState(userID string, blob []byte) (*SessionState, error) {
	var p persistedState
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, err
	}
	s := &SessionState{
		userID:              userID,
		keyID:               p.KeyID,
		aesKey:              primitives.NewSecretKey(p.AESKey),
		hkdfSalt:            p.HKDFSalt,
		clientSigningPubKey: p.ClientSigningPubKey,
		userIDHash:          userIDHash4(userID),
		recvSeqByKeyID:      make(map[string]int64),
		nonceCounter:        p.NonceCounter,
		serverSequence:      p.ServerSequence,
		messageCount:        p.MessageCount,
		keyCreatedAt:        time.Unix(p.KeyCreatedAtUnix, 0),
		lastActivityAt:      time.Unix(p.LastActivityAtUnix, 0),
	}
	if p.PreviousKeyID != "" {
		s.previousKeyID = p.PreviousKeyID
		s.previousAESKey = primitives.NewSecretKey(p.PreviousAESKey)
		s.previousClientSigningPubKey = p.PreviousClientSigningPubKey
		s.previousKeyExpiresAt = time.Unix(p.PreviousKeyExpiresAtUnix, 0)
	}
	return s, nil
}

// Stats is the non-secret view of a session exposed to operators.
type Stats struct {
	KeyID          string
	MessageCount   uint64
	KeyCreatedAt   time.Time
	LastActivityAt time.Time
}
