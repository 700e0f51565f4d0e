// Package wallet provides the capability through which intents get signed.
package wallet

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNoProvider indicates no wallet backend is reachable.
	ErrNoProvider = errors.New("wallet: no provider available")
	// ErrNoAccounts indicates the wallet exposes no accounts.
	ErrNoAccounts = errors.New("wallet: no accounts available")
	// ErrUserRejected indicates the holder declined the signing request.
	ErrUserRejected = errors.New("wallet: user rejected request")
)

// Wallet is a host-provided signing capability. SignMessage may block until a
// human approves the request; implementations must honour ctx cancellation.
type Wallet interface {
	// RequestAccounts asks the wallet to expose its accounts, prompting if needed.
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	// ActiveSigner returns the account that SignMessage will sign with.
	ActiveSigner(ctx context.Context) (common.Address, error)
	// SignMessage signs msg using the personal message convention and returns
	// a 65 byte r || s || v signature.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}
