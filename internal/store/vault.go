package store

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/jaydenbeard/titan-crypt/internal/config"
)

// VaultSigningKeyStore wraps another StateStore and redirects the
// long-term signing key through HashiCorp Vault, leaving session
// persistence to the wrapped store. This is the recommended backend
// when the signing key's exposure radius must be smaller than the
// session store's (e.g. Redis holds sessions, Vault holds the one key
// an attacker would need to forge server-authenticated envelopes).
type VaultSigningKeyStore struct {
	StateStore
	vault *config.VaultClient
}

// NewVaultSigningKeyStore requires an already-initialized Vault client;
// callers typically obtain one via config.GetVaultClient() after
// config.Load() has run.
func NewVaultSigningKeyStore(sessions StateStore, vault *config.VaultClient) (*VaultSigningKeyStore, error) {
	if vault == nil {
		return nil, fmt.Errorf("vault client not initialized")
	}
	return &VaultSigningKeyStore{StateStore: sessions, vault: vault}, nil
}

func (v *VaultSigningKeyStore) LoadSigningKey(ctx context.Context) ([]byte, error) {
	encoded, ok, err := v.vault.KVGet(ctx, "signing_key_der")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (v *VaultSigningKeyStore) SaveSigningKey(ctx context.Context, der []byte) error {
	return v.vault.KVPut(ctx, "signing_key_der", base64.StdEncoding.EncodeToString(der))
}
