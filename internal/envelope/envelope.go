// Package envelope defines the on-the-wire SecureEnvelope and
// EncryptedInvocation values and their canonical byte encodings. Nothing
// in this package touches key material; it only shuffles bytes into and
// out of the shapes the session crypto core signs and verifies.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// SecureEnvelope is the sealed record carried on the wire for every
// encrypted request, response, and push.
type SecureEnvelope struct {
	KeyID          string `json:"keyId"`
	Nonce          []byte `json:"nonce"`
	Ciphertext     []byte `json:"ciphertext"`
	Tag            []byte `json:"tag"`
	Signature      []byte `json:"signature"`
	TimestampMS    int64  `json:"timestamp"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// EncryptedInvocation is the plaintext payload carried inside a
// SecureEnvelope that targets the invocation gateway.
type EncryptedInvocation struct {
	Target  string `json:"target"`
	Payload []byte `json:"payload"`
}

const (
	nonceLen = 12
	tagLen   = 16
)

// wireJSON mirrors SecureEnvelope but with base64 byte fields, matching
// the field names fixed by §6: keyId, nonce, ciphertext, tag, signature,
// timestamp, sequenceNumber.
type wireJSON struct {
	KeyID          string `json:"keyId"`
	Nonce          string `json:"nonce"`
	Ciphertext     string `json:"ciphertext"`
	Tag            string `json:"tag"`
	Signature      string `json:"signature"`
	TimestampMS    int64  `json:"timestamp"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// EncodeJSON serializes a SecureEnvelope as a JSON object with base64 for
// every byte field.
func EncodeJSON(e *SecureEnvelope) ([]byte, error) {
	w := wireJSON{
		KeyID:          e.KeyID,
		Nonce:          base64.StdEncoding.EncodeToString(e.Nonce),
		Ciphertext:     base64.StdEncoding.EncodeToString(e.Ciphertext),
		Tag:            base64.StdEncoding.EncodeToString(e.Tag),
		Signature:      base64.StdEncoding.EncodeToString(e.Signature),
		TimestampMS:    e.TimestampMS,
		SequenceNumber: e.SequenceNumber,
	}
	return json.Marshal(w)
}

// DecodeJSON parses a JSON-encoded SecureEnvelope.
func DecodeJSON(data []byte) (*SecureEnvelope, error) {
	var w wireJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("envelope: decode json: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(w.Nonce)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(w.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode ciphertext: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(w.Tag)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode tag: %w", err)
	}
	signature, err := base64.StdEncoding.DecodeString(w.Signature)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode signature: %w", err)
	}
	return &SecureEnvelope{
		KeyID:          w.KeyID,
		Nonce:          nonce,
		Ciphertext:     ciphertext,
		Tag:            tag,
		Signature:      signature,
		TimestampMS:    w.TimestampMS,
		SequenceNumber: w.SequenceNumber,
	}, nil
}

// EncodeBinary serializes a SecureEnvelope into the compact binary form:
// a varint-prefixed key_id, then the remaining fields at their fixed or
// length-prefixed sizes. This is the full wire form, distinct from the
// canonical signing bytes (which omit the signature field itself).
func EncodeBinary(e *SecureEnvelope) []byte {
	var buf bytes.Buffer
	writeVarint(&buf, uint64(len(e.KeyID)))
	buf.WriteString(e.KeyID)
	buf.Write(e.Nonce)
	writeVarint(&buf, uint64(len(e.Ciphertext)))
	buf.Write(e.Ciphertext)
	buf.Write(e.Tag)
	writeVarint(&buf, uint64(len(e.Signature)))
	buf.Write(e.Signature)
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(e.TimestampMS))
	buf.Write(ts[:])
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(e.SequenceNumber))
	buf.Write(seq[:])
	return buf.Bytes()
}

// DecodeBinary parses the compact binary form produced by EncodeBinary.
func DecodeBinary(data []byte) (*SecureEnvelope, error) {
	r := bytes.NewReader(data)

	keyIDLen, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("envelope: read key_id length: %w", err)
	}
	keyID := make([]byte, keyIDLen)
	if _, err := readFull(r, keyID); err != nil {
		return nil, fmt.Errorf("envelope: read key_id: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := readFull(r, nonce); err != nil {
		return nil, fmt.Errorf("envelope: read nonce: %w", err)
	}

	ctLen, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("envelope: read ciphertext length: %w", err)
	}
	ciphertext := make([]byte, ctLen)
	if _, err := readFull(r, ciphertext); err != nil {
		return nil, fmt.Errorf("envelope: read ciphertext: %w", err)
	}

	tag := make([]byte, tagLen)
	if _, err := readFull(r, tag); err != nil {
		return nil, fmt.Errorf("envelope: read tag: %w", err)
	}

	sigLen, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("envelope: read signature length: %w", err)
	}
	signature := make([]byte, sigLen)
	if _, err := readFull(r, signature); err != nil {
		return nil, fmt.Errorf("envelope: read signature: %w", err)
	}

	var tsBuf, seqBuf [8]byte
	if _, err := readFull(r, tsBuf[:]); err != nil {
		return nil, fmt.Errorf("envelope: read timestamp: %w", err)
	}
	if _, err := readFull(r, seqBuf[:]); err != nil {
		return nil, fmt.Errorf("envelope: read sequence number: %w", err)
	}

	return &SecureEnvelope{
		KeyID:          string(keyID),
		Nonce:          nonce,
		Ciphertext:     ciphertext,
		Tag:            tag,
		Signature:      signature,
		TimestampMS:    int64(binary.LittleEndian.Uint64(tsBuf[:])),
		SequenceNumber: int64(binary.LittleEndian.Uint64(seqBuf[:])),
	}, nil
}

// CanonicalSigningBytes produces the exact byte layout §4.2 specifies for
// signing: key_id_length_varint || key_id_utf8 || nonce(12) ||
// ciphertext || tag(16) || timestamp_ms(8 LE) || sequence_number(8 LE).
// The signature field itself is never part of its own input.
func CanonicalSigningBytes(e *SecureEnvelope) ([]byte, error) {
	if len(e.Nonce) != nonceLen {
		return nil, fmt.Errorf("envelope: nonce must be %d bytes, got %d", nonceLen, len(e.Nonce))
	}
	if len(e.Tag) != tagLen {
		return nil, fmt.Errorf("envelope: tag must be %d bytes, got %d", tagLen, len(e.Tag))
	}

	var buf bytes.Buffer
	writeVarint(&buf, uint64(len(e.KeyID)))
	buf.WriteString(e.KeyID)
	buf.Write(e.Nonce)
	buf.Write(e.Ciphertext)
	buf.Write(e.Tag)
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(e.TimestampMS))
	buf.Write(ts[:])
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(e.SequenceNumber))
	buf.Write(seq[:])
	return buf.Bytes(), nil
}

// invocationJSON is the JSON flavor of EncryptedInvocation, per §4.2:
// target as a string, payload base64-encoded.
type invocationJSON struct {
	Target  string `json:"target"`
	Payload string `json:"payload"`
}

// EncodeInvocationBinary serializes an EncryptedInvocation into the
// compact binary form: target varint-length-prefixed, payload taking the
// remainder of the buffer.
func EncodeInvocationBinary(inv *EncryptedInvocation) []byte {
	var buf bytes.Buffer
	writeVarint(&buf, uint64(len(inv.Target)))
	buf.WriteString(inv.Target)
	buf.Write(inv.Payload)
	return buf.Bytes()
}

// DecodeInvocationBinary parses the compact binary invocation form.
func DecodeInvocationBinary(data []byte) (*EncryptedInvocation, error) {
	r := bytes.NewReader(data)
	targetLen, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("envelope: read target length: %w", err)
	}
	target := make([]byte, targetLen)
	if _, err := readFull(r, target); err != nil {
		return nil, fmt.Errorf("envelope: read target: %w", err)
	}
	payload := make([]byte, r.Len())
	if _, err := readFull(r, payload); err != nil {
		return nil, fmt.Errorf("envelope: read payload: %w", err)
	}
	return &EncryptedInvocation{Target: string(target), Payload: payload}, nil
}

// EncodeInvocationJSON serializes an EncryptedInvocation as JSON with a
// base64 payload.
func EncodeInvocationJSON(inv *EncryptedInvocation) ([]byte, error) {
	return json.Marshal(invocationJSON{
		Target:  inv.Target,
		Payload: base64.StdEncoding.EncodeToString(inv.Payload),
	})
}

// DecodeInvocationJSON parses a JSON-encoded EncryptedInvocation.
func DecodeInvocationJSON(data []byte) (*EncryptedInvocation, error) {
	var w invocationJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("envelope: decode json invocation: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(w.Payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode invocation payload: %w", err)
	}
	return &EncryptedInvocation{Target: w.Target, Payload: payload}, nil
}

// DecodeInvocation accepts both the compact binary and the JSON form.
// Data whose first non-space byte is '{' is tried as JSON first, since
// binary decoding of a long JSON object would read '{' as a target
// length and yield a garbage target. Otherwise the binary form is tried,
// and JSON is the fallback when binary decoding fails outright or leaves
// an implausible target (empty, or outside printable ASCII).
func DecodeInvocation(data []byte) (*EncryptedInvocation, error) {
	if looksLikeJSON(data) {
		if inv, err := DecodeInvocationJSON(data); err == nil {
			return inv, nil
		}
	}
	if inv, err := DecodeInvocationBinary(data); err == nil && isPrintableTarget(inv.Target) {
		return inv, nil
	}
	inv, err := DecodeInvocationJSON(data)
	if err != nil {
		return nil, errors.New("envelope: payload is neither valid binary nor JSON invocation")
	}
	return inv, nil
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isPrintableTarget(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}

// writeVarint writes v as a 7-bit little-endian variable-length integer,
// matching the key_id_length_varint encoding in §4.2.
func writeVarint(buf *bytes.Buffer, v uint64) {
	for v >= 0x80 {
		buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	buf.WriteByte(byte(v))
}

func readVarint(r *bytes.Reader) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, errors.New("envelope: varint overflow")
		}
	}
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, errors.New("envelope: short read")
	}
	return n, nil
}
