package crypto

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/velobridge/settle/internal/domain"
)

// Well-known throwaway key; never used outside tests.
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testAttestation() domain.Attestation {
	return domain.Attestation{
		RequestID:     42,
		Round:         7,
		Success:       true,
		ExternalTxRef: common.HexToHash("0xdeadbeef"),
	}
}

func TestSignAndVerify(t *testing.T) {
	signer, err := NewAttestationSigner(testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewAttestationVerifier(signer.Address())
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	att := testAttestation()
	sig, err := signer.Sign(att)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := verifier.Verify(att, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	signer, _ := NewAttestationSigner(testKeyHex)
	verifier, _ := NewAttestationVerifier(signer.Address())

	sig, err := signer.Sign(testAttestation())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*domain.Attestation)
	}{
		{"request id", func(a *domain.Attestation) { a.RequestID = 43 }},
		{"round", func(a *domain.Attestation) { a.Round = 8 }},
		{"verdict flipped", func(a *domain.Attestation) { a.Success = false }},
		{"tx ref", func(a *domain.Attestation) { a.ExternalTxRef = common.HexToHash("0x01") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			att := testAttestation()
			tt.mutate(&att)
			if err := verifier.Verify(att, sig); !errors.Is(err, domain.ErrBadSignature) {
				t.Fatalf("got %v, want ErrBadSignature", err)
			}
		})
	}
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	signer, _ := NewAttestationSigner(testKeyHex)
	verifier, _ := NewAttestationVerifier(common.HexToAddress("0x9999999999999999999999999999999999999999"))

	att := testAttestation()
	sig, _ := signer.Sign(att)
	if err := verifier.Verify(att, sig); !errors.Is(err, domain.ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	signer, _ := NewAttestationSigner(testKeyHex)
	verifier, _ := NewAttestationVerifier(signer.Address())
	att := testAttestation()

	for _, sig := range []string{"", "0x1234", "not-hex"} {
		if err := verifier.Verify(att, sig); !errors.Is(err, domain.ErrBadSignature) {
			t.Fatalf("signature %q: got %v, want ErrBadSignature", sig, err)
		}
	}
}

func TestKeyfileRoundTrip(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := DecryptKey(blob, "hunter2")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != testKeyHex {
		t.Fatalf("round trip mismatch: %s", got)
	}
	if _, err := DecryptKey(blob, "wrong"); err == nil {
		t.Fatal("expected decryption failure with wrong password")
	}
}

func TestLoadKeyRawPrecedence(t *testing.T) {
	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex, EncryptedKeyPath: "/does/not/exist"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != testKeyHex {
		t.Fatalf("got %s", got)
	}
	if _, err := LoadKey(KeyConfig{}); err == nil {
		t.Fatal("expected error with no key source")
	}
}

func TestWebhookSignerRoundTrip(t *testing.T) {
	s := NewWebhookSigner("shared-secret")
	body := []byte(`{"event":"pool_low"}`)

	h := s.Headers(body, 1_700_000_000)
	if !s.VerifyHeader(body, h["X-Settle-Timestamp"], h["X-Settle-Signature"]) {
		t.Fatal("valid signature rejected")
	}
	if s.VerifyHeader([]byte(`{}`), h["X-Settle-Timestamp"], h["X-Settle-Signature"]) {
		t.Fatal("tampered body accepted")
	}
}
