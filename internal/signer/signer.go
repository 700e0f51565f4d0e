// Package signer produces SignedIntents through a wallet capability.
package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"intent-registry/internal/canonical"
	"intent-registry/internal/intent"
	"intent-registry/internal/wallet"
)

var (
	// ErrNoActiveAccount indicates the wallet has no account to sign with.
	ErrNoActiveAccount = errors.New("signer: no active account")
	// ErrSigningDeclined indicates the wallet holder rejected the request.
	ErrSigningDeclined = errors.New("signer: signing declined")
	// ErrSigningFailed wraps any other wallet failure, including cancellation.
	ErrSigningFailed = errors.New("signer: signing failed")
)

// Sign asks w to sign the canonical payload of in. It does not retry; a
// cancelled ctx yields an error matching both ErrSigningFailed and ctx.Err().
func Sign(ctx context.Context, in intent.Intent, w wallet.Wallet) (intent.SignedIntent, error) {
	if w == nil {
		return intent.SignedIntent{}, fmt.Errorf("%w: %w", ErrNoActiveAccount, wallet.ErrNoProvider)
	}

	address, err := w.ActiveSigner(ctx)
	if err != nil {
		if errors.Is(err, wallet.ErrNoAccounts) || errors.Is(err, wallet.ErrNoProvider) {
			return intent.SignedIntent{}, fmt.Errorf("%w: %w", ErrNoActiveAccount, err)
		}
		return intent.SignedIntent{}, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	if address == (common.Address{}) {
		return intent.SignedIntent{}, ErrNoActiveAccount
	}

	payload := canonical.Encode(in)
	sig, err := w.SignMessage(ctx, payload)
	if err != nil {
		if errors.Is(err, wallet.ErrUserRejected) {
			return intent.SignedIntent{}, fmt.Errorf("%w: %w", ErrSigningDeclined, err)
		}
		return intent.SignedIntent{}, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}

	return intent.SignedIntent{
		Intent:    in,
		Signer:    address,
		Signature: append([]byte(nil), sig...),
	}, nil
}
