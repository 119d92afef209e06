package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

var (
	testKey  = []byte("0123456789abcdef0123456789abcdef")
	otherKey = []byte("fedcba9876543210fedcba9876543210")
)

func TestComputeSignature(t *testing.T) {
	sig, err := ComputeSignature([]byte("payload"), testKey)
	if err != nil {
		t.Fatalf("ComputeSignature() error = %v", err)
	}
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(sig))
	}

	again, _ := ComputeSignature([]byte("payload"), testKey)
	if sig != again {
		t.Error("signature is not deterministic")
	}
	other, _ := ComputeSignature([]byte("payload"), otherKey)
	if sig == other {
		t.Error("different keys produced the same signature")
	}

	if _, err := ComputeSignature([]byte("payload"), []byte("short")); !errors.Is(err, ErrKeyTooShort) {
		t.Errorf("short key error = %v, want ErrKeyTooShort", err)
	}
}

func TestVerifySignature(t *testing.T) {
	data := []byte("payload")
	sig, _ := ComputeSignature(data, testKey)

	tests := []struct {
		name string
		data []byte
		sig  string
		key  []byte
		want bool
	}{
		{name: "valid", data: data, sig: sig, key: testKey, want: true},
		{name: "wrong key", data: data, sig: sig, key: otherKey, want: false},
		{name: "tampered data", data: []byte("payloaD"), sig: sig, key: testKey, want: false},
		{name: "invalid hex", data: data, sig: "zz", key: testKey, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := VerifySignature(tt.data, tt.sig, tt.key)
			if err != nil {
				t.Fatalf("VerifySignature() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSignatureConfig_Validate(t *testing.T) {
	var nilCfg *SignatureConfig
	if err := nilCfg.Validate(); err == nil {
		t.Error("nil config should be invalid")
	}
	if err := (&SignatureConfig{KeyID: "k", SecretKey: []byte("short")}).Validate(); !errors.Is(err, ErrKeyTooShort) {
		t.Errorf("Validate() error = %v, want ErrKeyTooShort", err)
	}
	if err := (&SignatureConfig{KeyID: "k", SecretKey: testKey}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestSignedEvent_TamperDetection(t *testing.T) {
	cfg := &SignatureConfig{KeyID: "k1", SecretKey: testKey}
	signed, err := Sign(testEvent(), cfg, testTime)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if ok, _ := signed.Verify(testKey); !ok {
		t.Fatal("fresh signature should verify")
	}

	tests := []struct {
		name   string
		tamper func(s *SignedEvent)
	}{
		{name: "actor", tamper: func(s *SignedEvent) { s.Event.Actor = "mallory" }},
		{name: "success flag", tamper: func(s *SignedEvent) { s.Event.Success = false }},
		{name: "signed at", tamper: func(s *SignedEvent) { s.SignedAt = "2020-01-01T00:00:00.000Z" }},
		{name: "key id", tamper: func(s *SignedEvent) { s.KeyID = "k2" }},
		{name: "metadata", tamper: func(s *SignedEvent) { s.Event = s.Event.With("extra", "1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			copied := *signed
			tt.tamper(&copied)
			ok, err := copied.Verify(testKey)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if ok {
				t.Error("tampered event verified")
			}
		})
	}
}

func TestSignedLogger_VerifySignedLine(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewSignedLogger(&buf, &SignatureConfig{KeyID: "k1", SecretKey: testKey})
	if err != nil {
		t.Fatalf("NewSignedLogger() error = %v", err)
	}
	if err := logger.Append(context.Background(), testEvent()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	line := []byte(strings.TrimSpace(buf.String()))

	signed, ok, err := VerifySignedLine(line, KeyRing{"k0": otherKey, "k1": testKey})
	if err != nil {
		t.Fatalf("VerifySignedLine() error = %v", err)
	}
	if !ok {
		t.Error("line should verify")
	}
	if signed.Event.Type != EventRecoveryInitiated {
		t.Errorf("event type = %q", signed.Event.Type)
	}

	if _, _, err := VerifySignedLine(line, KeyRing{"k0": otherKey}); !errors.Is(err, ErrUnknownKeyID) {
		t.Errorf("unknown key error = %v, want ErrUnknownKeyID", err)
	}

	tampered := bytes.Replace(line, []byte(`"actor":"alice"`), []byte(`"actor":"eve"`), 1)
	if _, ok, _ := VerifySignedLine(tampered, KeyRing{"k1": testKey}); ok {
		t.Error("tampered line verified")
	}
}

func TestNewSignedLogger_InvalidConfig(t *testing.T) {
	if _, err := NewSignedLogger(&bytes.Buffer{}, &SignatureConfig{SecretKey: []byte("short")}); err == nil {
		t.Error("expected error for short key")
	}
}
