// Package canonical derives the signing payload for an intent.
//
// Layout, in order:
//
//	magic     "TRADE-INTENT/v1" (15 bytes)
//	asset     uint8 length, then ASCII bytes
//	direction uint8 (1 BUY, 2 SELL)
//	size      uint64 big-endian minimal units
//	price     uint64 big-endian minimal units
//	expiry    uint64 big-endian UNIX seconds
//	nonce     16 bytes
//
// The field order is part of the protocol. Changing it, or any width, requires a new magic.
package canonical

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"

	"intent-registry/internal/intent"
)

// Magic prefixes every payload and versions the layout.
const Magic = "TRADE-INTENT/v1"

// Encode returns the canonical payload for in. It never fails for an intent built
// by intent.New or intent.Reconstruct.
func Encode(in intent.Intent) []byte {
	asset := in.Asset()
	buf := make([]byte, 0, Size(in))

	buf = append(buf, Magic...)
	buf = append(buf, byte(len(asset)))
	buf = append(buf, asset...)
	buf = append(buf, byte(in.Direction()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(in.Size()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(in.ReferencePrice()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(in.Expiry()))
	nonce := in.Nonce()
	buf = append(buf, nonce[:]...)
	return buf
}

// Size is the encoded length of in.
func Size(in intent.Intent) int {
	return len(Magic) + 1 + len(in.Asset()) + 1 + 8 + 8 + 8 + intent.NonceSize
}

// Digest applies the EIP-191 personal message convention that wallets use for
// signMessage: keccak256("\x19Ethereum Signed Message:\n" + len(payload) + payload).
func Digest(payload []byte) []byte {
	return accounts.TextHash(payload)
}

// Hash is the digest of the canonical payload of in.
func Hash(in intent.Intent) common.Hash {
	return common.BytesToHash(Digest(Encode(in)))
}
