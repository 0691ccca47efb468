// Package primitives wraps the cryptographic building blocks used by the
// session crypto core: AES-256-GCM sealing, ECDH key agreement on P-256,
// ECDSA signing on P-256/SHA-256, HKDF-SHA-256 key derivation, and a CSPRNG.
// Callers never see key material cross a package boundary unwrapped from
// these functions; every primitive here is one opinionated way to do the
// thing, not a generic crypto toolbox.
package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFInfo is the fixed context string mixed into every key derivation.
// Changing it silently breaks interoperability with already-handshaken
// clients, so it is a named constant rather than a literal scattered
// through the session manager.
const HKDFInfo = "titan-encryption-key"

const (
	// AESKeySize is the length in bytes of a derived AES-256 key.
	AESKeySize = 32
	// NonceSize is the length in bytes of an AES-GCM nonce.
	NonceSize = 12
	// TagSize is the length in bytes of an AES-GCM authentication tag.
	TagSize = 16
	// KeyIDSize is the number of random bytes backing a key_id before
	// base64 encoding.
	KeyIDSize = 16
)

// CryptoFailure is returned by every primitive on any underlying failure.
// It wraps the originating error without leaking key material into the
// message.
type CryptoFailure struct {
	Op  string
	Err error
}

func (f *CryptoFailure) Error() string {
	return fmt.Sprintf("primitives: %s: %v", f.Op, f.Err)
}

func (f *CryptoFailure) Unwrap() error { return f.Err }

func fail(op string, err error) error {
	return &CryptoFailure{Op: op, Err: err}
}

// ErrInvalidTag is returned by AEADOpen when authentication fails. It is
// intentionally generic: the caller cannot distinguish a tampered tag from
// a tampered ciphertext, nonce, or wrong key.
var ErrInvalidTag = errors.New("primitives: AEAD authentication failed")

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fail("random_bytes", err)
	}
	return buf, nil
}

// NewKeyID returns a fresh, globally-unique (by birthday bound) key
// identifier: 16 random bytes, base64-encoded.
func NewKeyID() (string, error) {
	b, err := RandomBytes(KeyIDSize)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// KDF derives a length-byte key from a 32-byte shared secret and a 32-byte
// salt using HKDF-SHA-256 with the fixed info string HKDFInfo.
func KDF(sharedSecret, salt []byte, length int) ([]byte, error) {
	if len(sharedSecret) != 32 {
		return nil, fail("kdf", errors.New("shared secret must be 32 bytes"))
	}
	if len(salt) != 32 {
		return nil, fail("kdf", errors.New("salt must be 32 bytes"))
	}
	reader := hkdf.New(sha256.New, sharedSecret, salt, []byte(HKDFInfo))
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fail("kdf", err)
	}
	return out, nil
}

// AEADSeal encrypts plaintext with AES-256-GCM under key and nonce, with
// empty additional authenticated data. It returns the ciphertext and the
// 16-byte tag separately, matching the SecureEnvelope wire shape.
func AEADSeal(key, nonce, plaintext []byte) (ciphertext, tag []byte, err error) {
	if len(key) != AESKeySize {
		return nil, nil, fail("aead_seal", errors.New("key must be 32 bytes"))
	}
	if len(nonce) != NonceSize {
		return nil, nil, fail("aead_seal", errors.New("nonce must be 12 bytes"))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fail("aead_seal", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, nil, fail("aead_seal", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize
	ciphertext = make([]byte, split)
	tag = make([]byte, TagSize)
	copy(ciphertext, sealed[:split])
	copy(tag, sealed[split:])
	return ciphertext, tag, nil
}

// AEADOpen decrypts and authenticates ciphertext+tag with AES-256-GCM under
// key and nonce. Any authentication failure — wrong key, tampered
// ciphertext, tampered tag, wrong nonce — collapses to ErrInvalidTag; a
// key or nonce of the wrong length is reported as a CryptoFailure.
func AEADOpen(key, nonce, ciphertext, tag []byte) ([]byte, error) {
	if len(key) != AESKeySize {
		return nil, fail("aead_open", errors.New("key must be 32 bytes"))
	}
	if len(nonce) != NonceSize {
		return nil, fail("aead_open", errors.New("nonce must be 12 bytes"))
	}
	if len(tag) != TagSize {
		return nil, ErrInvalidTag
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fail("aead_open", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, fail("aead_open", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidTag
	}
	return plaintext, nil
}

// ECDHGenerate creates a fresh ephemeral P-256 ECDH key pair. The public
// half is returned as SPKI DER, ready to hand to a peer or store on the
// wire.
func ECDHGenerate() (*ecdh.PrivateKey, []byte, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fail("ecdh_generate", err)
	}
	spki, err := x509.MarshalPKIXPublicKey(priv.PublicKey())
	if err != nil {
		return nil, nil, fail("ecdh_generate", err)
	}
	return priv, spki, nil
}

// ECDHAgree computes the 32-byte shared secret between myPrivate and a
// peer's SPKI-DER-encoded P-256 public key: the SHA-256 digest of the
// agreed X-coordinate (see deriveAgreementSecret), not the raw
// X-coordinate itself.
func ECDHAgree(myPrivate *ecdh.PrivateKey, peerSPKIDER []byte) ([]byte, error) {
	pub, err := x509.ParsePKIXPublicKey(peerSPKIDER)
	if err != nil {
		return nil, fail("ecdh_agree", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		// Peers advertise ECDH keys through the same SPKI container as
		// ECDSA keys; crypto/ecdh has no direct SPKI parser, so an
		// intermediate *ecdsa.PublicKey is converted into an ECDH key.
		ecdhPub, ok2 := pub.(*ecdh.PublicKey)
		if !ok2 {
			return nil, fail("ecdh_agree", errors.New("peer key is not a P-256 public key"))
		}
		secret, err := myPrivate.ECDH(ecdhPub)
		if err != nil {
			return nil, fail("ecdh_agree", err)
		}
		return deriveAgreementSecret(secret)
	}
	if ecPub.Curve != elliptic.P256() {
		return nil, fail("ecdh_agree", errors.New("peer key is not on P-256"))
	}
	ecdhPub, err := ecPub.ECDH()
	if err != nil {
		return nil, fail("ecdh_agree", err)
	}
	secret, err := myPrivate.ECDH(ecdhPub)
	if err != nil {
		return nil, fail("ecdh_agree", err)
	}
	return deriveAgreementSecret(secret)
}

// deriveAgreementSecret normalizes a raw ECDH X-coordinate into exactly 32
// bytes suitable as HKDF input keying material.
func deriveAgreementSecret(raw []byte) ([]byte, error) {
	sum := sha256.Sum256(raw)
	Zeroize(raw)
	return sum[:], nil
}

// ECDSASign signs message with an ECDSA P-256/SHA-256 private key and
// returns an ASN.1 DER signature.
func ECDSASign(private *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, private, digest[:])
	if err != nil {
		return nil, fail("ecdsa_sign", err)
	}
	return sig, nil
}

// ECDSAVerify verifies an ASN.1 DER signature over message against a
// SPKI-DER-encoded P-256 public key. It never returns an error for a bad
// signature, only for a malformed public key — callers must check the
// boolean.
func ECDSAVerify(publicSPKIDER, message, signature []byte) (bool, error) {
	pub, err := x509.ParsePKIXPublicKey(publicSPKIDER)
	if err != nil {
		return false, fail("ecdsa_verify", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return false, fail("ecdsa_verify", errors.New("public key is not ECDSA"))
	}
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(ecPub, digest[:], signature), nil
}

// GenerateSigningKey creates a new ECDSA P-256 signing key pair, used once
// at first boot for the server's long-term identity key.
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fail("generate_signing_key", err)
	}
	return priv, nil
}

// MarshalSigningPublicKey returns the SPKI DER encoding of a signing
// public key, the form handed to clients during handshake.
func MarshalSigningPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fail("marshal_signing_public_key", err)
	}
	return der, nil
}

// MarshalSigningPrivateKey encodes a signing private key as PKCS#8 DER,
// the form persisted to the state store.
func MarshalSigningPrivateKey(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fail("marshal_signing_private_key", err)
	}
	return der, nil
}

// ParseSigningPrivateKey decodes a PKCS#8 DER-encoded ECDSA private key.
func ParseSigningPrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fail("parse_signing_private_key", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fail("parse_signing_private_key", errors.New("not an ECDSA key"))
	}
	return ecKey, nil
}

// Zeroize overwrites b with zero bytes in place. It is the last stop for
// any byte slice holding key material before it is dropped.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
