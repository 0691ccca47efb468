package primitives

import "sync"

// SecretKey owns a byte slice of key material and guarantees it is
// scrubbed exactly once, even under concurrent Wipe/Bytes calls. The
// session AES keys (current and previous) are wrapped in one of these
// rather than passed around as a bare []byte; the server's signing key
// is held as an *ecdsa.PrivateKey and is not wrapped.
type SecretKey struct {
	mu     sync.Mutex
	bytes  []byte
	wiped  bool
}

// NewSecretKey takes ownership of b. Callers must not retain their own
// reference to b after calling this.
func NewSecretKey(b []byte) *SecretKey {
	return &SecretKey{bytes: b}
}

// Bytes returns the live key bytes, or nil if the key has been wiped.
// The returned slice aliases internal storage; callers must not retain it
// past the SecretKey's lifetime.
func (k *SecretKey) Bytes() []byte {
	if k == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.wiped {
		return nil
	}
	return k.bytes
}

// Wipe zeroes the underlying bytes. Safe to call multiple times and from
// multiple goroutines; only the first call has any effect.
func (k *SecretKey) Wipe() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.wiped {
		return
	}
	Zeroize(k.bytes)
	k.wiped = true
}

// IsLive reports whether the key still holds usable material.
func (k *SecretKey) IsLive() bool {
	if k == nil {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.wiped
}
