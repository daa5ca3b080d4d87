// Package crypto provides attestation signature verification, oracle key
// management, and HMAC signing for outbound webhooks.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/velobridge/settle/internal/domain"
)

// attestationTag domain-separates attestation digests from any other message
// the oracle key might ever sign.
var attestationTag = ethcrypto.Keccak256(
	[]byte("SettlementAttestation(uint64 requestId,uint64 round,uint8 success,bytes32 txRef)"),
)

// AttestationDigest computes the 32-byte digest the oracle signs for one
// attestation: keccak256(tag || requestId || round || success || txRef),
// all fields big-endian 32-byte padded.
func AttestationDigest(att domain.Attestation) []byte {
	success := big.NewInt(0)
	if att.Success {
		success = big.NewInt(1)
	}
	return ethcrypto.Keccak256(concatBytes(
		attestationTag,
		uint64To32Bytes(att.RequestID),
		uint64To32Bytes(att.Round),
		bigIntTo32Bytes(success),
		att.ExternalTxRef.Bytes(),
	))
}

// AttestationVerifier checks oracle signatures on incoming attestations.
type AttestationVerifier struct {
	oracle common.Address
}

// NewAttestationVerifier creates a verifier trusting the given oracle address.
func NewAttestationVerifier(oracle common.Address) (*AttestationVerifier, error) {
	if oracle == (common.Address{}) {
		return nil, fmt.Errorf("crypto: oracle address required: %w", domain.ErrInvalidRequest)
	}
	return &AttestationVerifier{oracle: oracle}, nil
}

// Oracle returns the trusted oracle address.
func (v *AttestationVerifier) Oracle() common.Address { return v.oracle }

// Verify recovers the signer of the attestation from its hex-encoded 65-byte
// signature (r || s || v) and checks it against the trusted oracle address.
func (v *AttestationVerifier) Verify(att domain.Attestation, signatureHex string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return fmt.Errorf("crypto: decode signature: %w", domain.ErrBadSignature)
	}
	if len(sig) != 65 {
		return fmt.Errorf("crypto: signature length %d: %w", len(sig), domain.ErrBadSignature)
	}

	// Accept v in {27,28}; go-ethereum recovery wants {0,1}.
	if sig[64] >= 27 {
		sig = append(append([]byte{}, sig[:64]...), sig[64]-27)
	}

	pub, err := ethcrypto.SigToPub(AttestationDigest(att), sig)
	if err != nil {
		return fmt.Errorf("crypto: recover signer: %w", domain.ErrBadSignature)
	}
	if ethcrypto.PubkeyToAddress(*pub) != v.oracle {
		return fmt.Errorf("crypto: signer is not the trusted oracle: %w", domain.ErrBadSignature)
	}
	return nil
}

// AttestationSigner produces oracle signatures. Used by the simulator and in
// tests; production attestations are signed by the external oracle.
type AttestationSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewAttestationSigner creates a signer from a hex-encoded secp256k1 key.
func NewAttestationSigner(privateKeyHex string) (*AttestationSigner, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return &AttestationSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the address derived from the signing key.
func (s *AttestationSigner) Address() common.Address { return s.address }

// Sign signs the attestation digest and returns the hex-encoded 65-byte
// signature with v in {27,28}.
func (s *AttestationSigner) Sign(att domain.Attestation) (string, error) {
	sig, err := ethcrypto.Sign(AttestationDigest(att), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func uint64To32Bytes(n uint64) []byte {
	return bigIntTo32Bytes(new(big.Int).SetUint64(n))
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
