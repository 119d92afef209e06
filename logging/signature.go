package logging

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/byteness/mfa-recovery/iso8601"
)

// MinKeyLength is the minimum required length for HMAC-SHA256 secret keys.
const MinKeyLength = 32

var (
	// ErrKeyTooShort is returned when the secret key is shorter than MinKeyLength.
	ErrKeyTooShort = errors.New("secret key must be at least 32 bytes")

	// ErrUnknownKeyID is returned when verifying a line signed with a key
	// that is not in the key ring.
	ErrUnknownKeyID = errors.New("unknown signing key id")
)

// SignatureConfig holds configuration for audit record signing.
type SignatureConfig struct {
	KeyID     string // Identifier for the signing key (for key rotation)
	SecretKey []byte // HMAC-SHA256 secret key
}

// Validate checks that the configuration is valid.
func (c *SignatureConfig) Validate() error {
	if c == nil {
		return errors.New("signature config is nil")
	}
	if len(c.SecretKey) < MinKeyLength {
		return ErrKeyTooShort
	}
	return nil
}

// SignedEvent is an audit event together with its HMAC. The signature covers
// the event, the signing time and the key ID, so none can be altered
// without detection.
type SignedEvent struct {
	Event     Event  `json:"event"`
	SignedAt  string `json:"signed_at"`
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"`
}

// signingPayload is the exact byte sequence covered by the signature.
func signingPayload(event Event, signedAt, keyID string) ([]byte, error) {
	payload := struct {
		Event    Event  `json:"event"`
		SignedAt string `json:"signed_at"`
		KeyID    string `json:"key_id"`
	}{event, signedAt, keyID}
	return json.Marshal(payload)
}

// ComputeSignature returns the hex-encoded HMAC-SHA256 of data.
func ComputeSignature(data, secretKey []byte) (string, error) {
	if len(secretKey) < MinKeyLength {
		return "", ErrKeyTooShort
	}
	mac := hmac.New(sha256.New, secretKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature reports whether signature is the HMAC of data under
// secretKey. Malformed hex is reported as an invalid signature, not an error.
func VerifySignature(data []byte, signature string, secretKey []byte) (bool, error) {
	expected, err := ComputeSignature(data, secretKey)
	if err != nil {
		return false, err
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	want, _ := hex.DecodeString(expected)
	return subtle.ConstantTimeCompare(provided, want) == 1, nil
}

// Sign creates a SignedEvent at the given time.
func Sign(event Event, config *SignatureConfig, now time.Time) (*SignedEvent, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	signedAt := iso8601.Format(now)
	data, err := signingPayload(event, signedAt, config.KeyID)
	if err != nil {
		return nil, fmt.Errorf("marshal signing payload: %w", err)
	}
	sig, err := ComputeSignature(data, config.SecretKey)
	if err != nil {
		return nil, err
	}
	return &SignedEvent{
		Event:     event,
		SignedAt:  signedAt,
		KeyID:     config.KeyID,
		Signature: sig,
	}, nil
}

// Verify checks the signature of a SignedEvent.
func (s *SignedEvent) Verify(secretKey []byte) (bool, error) {
	data, err := signingPayload(s.Event, s.SignedAt, s.KeyID)
	if err != nil {
		return false, err
	}
	return VerifySignature(data, s.Signature, secretKey)
}

// KeyRing maps key IDs to secret keys, so lines signed before a rotation
// still verify.
type KeyRing map[string][]byte

// VerifySignedLine parses one line written by SignedLogger or
// CloudWatchLogger and verifies it against the key ring. It returns the
// decoded event when the signature is valid.
func VerifySignedLine(line []byte, keys KeyRing) (*SignedEvent, bool, error) {
	var signed SignedEvent
	if err := json.Unmarshal(line, &signed); err != nil {
		return nil, false, fmt.Errorf("parse signed line: %w", err)
	}
	key, ok := keys[signed.KeyID]
	if !ok {
		return &signed, false, fmt.Errorf("%s: %w", signed.KeyID, ErrUnknownKeyID)
	}
	valid, err := signed.Verify(key)
	if err != nil {
		return &signed, false, err
	}
	return &signed, valid, nil
}
