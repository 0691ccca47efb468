package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSigningKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.LoadSigningKey(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveSigningKey(ctx, []byte("der-bytes")))
	got, err := s.LoadSigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("der-bytes"), got)
}

func TestMemoryStoreSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SaveSession(ctx, "user-1", []byte("blob"), 60))
	got, err := s.LoadSession(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), got)

	require.NoError(t, s.DeleteSession(ctx, "user-1"))
	_, err = s.LoadSession(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSessionExpires(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SaveSession(ctx, "user-1", []byte("blob"), 0))
	time.Sleep(5 * time.Millisecond)

	_, err := s.LoadSession(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreScanSessionsExcludesExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SaveSession(ctx, "alive", []byte("blob"), 60))
	require.NoError(t, s.SaveSession(ctx, "dead", []byte("blob"), 0))
	time.Sleep(5 * time.Millisecond)

	records, err := s.ScanSessions(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alive", records[0].UserID)
}
