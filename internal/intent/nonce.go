package intent

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NonceSize is the width of a nonce in bytes (128 bits).
const NonceSize = 16

// Nonce distinguishes otherwise identical intents from the same signer.
type Nonce [NonceSize]byte

// NewNonce draws a random nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// NonceFromUint64 builds a nonce from a counter, right-aligned big-endian.
// Useful for signers that prefer monotonically increasing nonces.
func NonceFromUint64(v uint64) Nonce {
	var n Nonce
	for i := 0; i < 8; i++ {
		n[NonceSize-1-i] = byte(v >> (8 * i))
	}
	return n
}

// ParseNonce decodes a 32 hex digit nonce, with or without 0x prefix.
func ParseNonce(s string) (Nonce, error) {
	raw := s
	if len(raw) >= 2 && raw[0] == '0' && (raw[1] == 'x' || raw[1] == 'X') {
		raw = raw[2:]
	}
	if len(raw) != NonceSize*2 {
		return Nonce{}, fmt.Errorf("nonce must be %d hex digits, got %d", NonceSize*2, len(raw))
	}
	var n Nonce
	if _, err := hex.Decode(n[:], []byte(raw)); err != nil {
		return Nonce{}, fmt.Errorf("decode nonce: %w", err)
	}
	return n, nil
}

// String returns the 0x-prefixed lowercase hex form.
func (n Nonce) String() string {
	return "0x" + hex.EncodeToString(n[:])
}
