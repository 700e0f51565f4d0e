// Package verifier recovers and checks the signer of a SignedIntent.
package verifier

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"intent-registry/internal/canonical"
	"intent-registry/internal/intent"
)

// SignatureLength is the size of an r || s || v signature.
const SignatureLength = crypto.SignatureLength

var (
	// ErrMalformedSignature indicates the signature is not a valid recoverable encoding.
	ErrMalformedSignature = errors.New("verifier: malformed signature")
	// ErrSignerMismatch indicates the recovered address differs from the expected signer.
	ErrSignerMismatch = errors.New("verifier: signer mismatch")
)

// MismatchError carries both addresses of a failed expectation.
type MismatchError struct {
	Expected  common.Address
	Recovered common.Address
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("verifier: signer mismatch: expected %s, recovered %s", e.Expected.Hex(), e.Recovered.Hex())
}

// Is matches ErrSignerMismatch.
func (e *MismatchError) Is(target error) bool {
	return target == ErrSignerMismatch
}

// Verify re-derives the canonical payload from signed.Intent and recovers the
// address that produced signed.Signature. The client-declared signer is ignored;
// pass expected to require a particular address.
func Verify(signed intent.SignedIntent, expected *common.Address) (common.Address, error) {
	recovered, err := RecoverPayload(canonical.Encode(signed.Intent), signed.Signature)
	if err != nil {
		return common.Address{}, err
	}
	if expected != nil && !SameAddress(*expected, recovered) {
		return recovered, &MismatchError{Expected: *expected, Recovered: recovered}
	}
	return recovered, nil
}

// RecoverPayload recovers the signer of an already-encoded payload.
func RecoverPayload(payload, signature []byte) (common.Address, error) {
	sig, err := normalize(signature)
	if err != nil {
		return common.Address{}, err
	}

	pub, err := crypto.SigToPub(canonical.Digest(payload), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SameAddress compares two addresses. Parsed addresses are raw bytes, so the hex
// case a client used (checksummed or not) never matters.
func SameAddress(a, b common.Address) bool {
	return a == b
}

// normalize copies sig, maps v from {27,28} to {0,1} and rejects values that
// cannot be a valid low-s secp256k1 signature.
func normalize(signature []byte) ([]byte, error) {
	if len(signature) != SignatureLength {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrMalformedSignature, len(signature), SignatureLength)
	}

	sig := append([]byte(nil), signature...)
	v := sig[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return nil, fmt.Errorf("%w: recovery id %d", ErrMalformedSignature, signature[crypto.RecoveryIDOffset])
	}
	sig[crypto.RecoveryIDOffset] = v

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return nil, fmt.Errorf("%w: r or s out of range", ErrMalformedSignature)
	}
	return sig, nil
}
