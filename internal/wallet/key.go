package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Key is a wallet backed by an in-process secp256k1 private key. It signs
// without prompting and produces the same signatures a browser wallet would.
type Key struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateKey creates a wallet with a fresh random key.
func GenerateKey() (*Key, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewKey(privateKey), nil
}

// NewKeyFromHex loads a hex private key, with or without 0x prefix.
func NewKeyFromHex(hexKey string) (*Key, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewKey(privateKey), nil
}

// NewKey wraps an existing private key.
func NewKey(privateKey *ecdsa.PrivateKey) *Key {
	return &Key{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Address returns the address derived from the key.
func (k *Key) Address() common.Address {
	return k.address
}

// PrivateKeyHex returns the private key as hex without prefix. Never log it.
func (k *Key) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(k.privateKey))
}

// RequestAccounts returns the single key address.
func (k *Key) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []common.Address{k.address}, nil
}

// ActiveSigner returns the key address.
func (k *Key) ActiveSigner(ctx context.Context) (common.Address, error) {
	if err := ctx.Err(); err != nil {
		return common.Address{}, err
	}
	return k.address, nil
}

// SignMessage signs the personal message hash of msg. V is returned as 27 or 28.
func (k *Key) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), k.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

var _ Wallet = (*Key)(nil)
