// Package store implements the durable key/value collaborator the
// session crypto core persists through: the long-term signing key and
// each user's session state blob. Persistence is always best-effort
// from the caller's point of view; a failed write is logged and
// metered, never propagated as a crypto failure.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load* when no value exists for the given key.
var ErrNotFound = errors.New("store: not found")

// SessionRecord is a stream element produced by ScanSessions.
type SessionRecord struct {
	UserID string
	Blob   []byte
}

// StateStore is the external collaborator the Session Manager persists
// through. Implementations MUST treat stored blobs as sensitive: key
// material inside them should be encrypted at rest or the store itself
// access-controlled.
type StateStore interface {
	// LoadSigningKey returns the persisted server signing key, or
	// ErrNotFound if none has been saved yet.
	LoadSigningKey(ctx context.Context) ([]byte, error)
	SaveSigningKey(ctx context.Context, der []byte) error

	// SaveSession upserts a user's session blob with a TTL in seconds.
	SaveSession(ctx context.Context, userID string, blob []byte, ttlSeconds int64) error
	LoadSession(ctx context.Context, userID string) ([]byte, error)
	DeleteSession(ctx context.Context, userID string) error

	// ScanSessions streams every persisted session, for startup restore.
	ScanSessions(ctx context.Context) ([]SessionRecord, error)

	Close() error
}

const signingKeyStoreKey = "encryption:signing-key"

func sessionStoreKey(userID string) string {
	return "encryption:state:" + userID
}
