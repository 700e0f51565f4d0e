package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

const (
	// EIP-1193 provider error codes.
	codeUserRejected   = 4001
	codeUnauthorized   = 4100
	codeMethodNotFound = -32601
)

// RPCOptions parameterise the JSON-RPC wallet.
type RPCOptions struct {
	URL string
	// Account pins the signing account. When zero the first exposed account is used.
	Account common.Address
}

// RPC talks to an external wallet over JSON-RPC (eth_requestAccounts,
// eth_accounts, personal_sign), e.g. a node with an unlocked account or a
// bridge in front of a browser wallet.
type RPC struct {
	opts   RPCOptions
	client *rpc.Client
	logger zerolog.Logger
}

// DialRPC connects to the wallet endpoint.
func DialRPC(ctx context.Context, opts RPCOptions, logger zerolog.Logger) (*RPC, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: wallet rpc url not configured", ErrNoProvider)
	}
	client, err := rpc.DialContext(ctx, opts.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoProvider, err)
	}
	return NewRPC(client, opts, logger), nil
}

// NewRPC wraps an existing rpc client.
func NewRPC(client *rpc.Client, opts RPCOptions, logger zerolog.Logger) *RPC {
	return &RPC{opts: opts, client: client, logger: logger.With().Str("component", "rpc_wallet").Logger()}
}

// Close releases the underlying connection.
func (w *RPC) Close() {
	if w.client != nil {
		w.client.Close()
	}
}

// RequestAccounts calls eth_requestAccounts, falling back to eth_accounts for
// backends that do not implement the prompting variant.
func (w *RPC) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accts []common.Address
	err := w.client.CallContext(ctx, &accts, "eth_requestAccounts")
	if rpcCode(err) == codeMethodNotFound {
		w.logger.Debug().Msg("eth_requestAccounts unsupported, falling back to eth_accounts")
		err = w.client.CallContext(ctx, &accts, "eth_accounts")
	}
	if err != nil {
		return nil, mapRPCError(ctx, "request accounts", err)
	}
	return accts, nil
}

// ActiveSigner returns the pinned account, or the first account the wallet exposes.
func (w *RPC) ActiveSigner(ctx context.Context) (common.Address, error) {
	if w.opts.Account != (common.Address{}) {
		return w.opts.Account, nil
	}

	var accts []common.Address
	if err := w.client.CallContext(ctx, &accts, "eth_accounts"); err != nil {
		return common.Address{}, mapRPCError(ctx, "list accounts", err)
	}
	if len(accts) == 0 {
		return common.Address{}, ErrNoAccounts
	}
	return accts[0], nil
}

// SignMessage calls personal_sign with the raw message bytes.
func (w *RPC) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	account, err := w.ActiveSigner(ctx)
	if err != nil {
		return nil, err
	}

	var sig hexutil.Bytes
	if err := w.client.CallContext(ctx, &sig, "personal_sign", hexutil.Bytes(msg), account); err != nil {
		return nil, mapRPCError(ctx, "personal_sign", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("personal_sign returned %d byte signature", len(sig))
	}
	return sig, nil
}

func rpcCode(err error) int {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode()
	}
	return 0
}

func mapRPCError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	switch rpcCode(err) {
	case codeUserRejected, codeUnauthorized:
		return fmt.Errorf("%s: %w: %w", op, ErrUserRejected, err)
	case codeMethodNotFound:
		return fmt.Errorf("%s: %w: %w", op, ErrNoProvider, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Wallet = (*RPC)(nil)
