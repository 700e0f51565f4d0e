package publish

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const batchEmitterABIJSON = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"internalType":"uint256","name":"startTime","type":"uint256"},
		{"indexed":true,"internalType":"uint256","name":"endTime","type":"uint256"},
		{"indexed":false,"internalType":"string","name":"cid","type":"string"}
	],"name":"IntentsBatchIPFS","type":"event"},
	{"inputs":[
		{"internalType":"uint256","name":"startTime","type":"uint256"},
		{"internalType":"uint256","name":"endTime","type":"uint256"},
		{"internalType":"string","name":"cid","type":"string"}
	],"name":"intentBatchEmit","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const (
	emitMethod   = "intentBatchEmit"
	maxAttempts  = 2
	defaultPoll  = 2 * time.Second
	defaultRetry = 10 * time.Second
	// Nodes refuse a same-nonce replacement paying less than 10% more.
	minReplaceBumpPct = 10
)

var batchEmitterABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(batchEmitterABIJSON))
	if err != nil {
		panic("failed to parse batch emitter ABI: " + err.Error())
	}
	batchEmitterABI = parsed
}

// ErrTxFailed is returned when the announcement transaction was mined but reverted.
var ErrTxFailed = errors.New("announcement transaction failed")

// TxState is the on-chain state of an announcement transaction.
type TxState int

const (
	TxPending TxState = iota
	TxConfirmed
	TxReverted
)

func (s TxState) String() string {
	switch s {
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	default:
		return "pending"
	}
}

// Submission identifies a sent announcement transaction.
type Submission struct {
	Hash  common.Hash
	Nonce uint64
}

// Announcer records a pinned batch on chain. Sending and confirming are
// separate steps so the caller can persist the transaction in between.
type Announcer interface {
	// Send broadcasts intentBatchEmit(start, end, ref) with a fresh nonce.
	Send(ctx context.Context, start, end time.Time, ref string) (Submission, error)
	// Replace rebroadcasts with prev's nonce and a higher gas price, so at
	// most one of the two can be mined.
	Replace(ctx context.Context, prev Submission, start, end time.Time, ref string) (Submission, error)
	// Check looks the receipt up once.
	Check(ctx context.Context, hash common.Hash) (TxState, error)
	// Wait polls until the transaction is mined or the receipt timeout passes,
	// in which case it reports TxPending.
	Wait(ctx context.Context, hash common.Hash) (TxState, error)
}

// ChainBackend is the subset of ethclient used to send and confirm transactions.
type ChainBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainOptions parameterise the on-chain announcer.
type ChainOptions struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	ChainID         int64
	GasLimit        uint64
	GasPriceBumpPct int64
	RequestTimeout  time.Duration
	ReceiptTimeout  time.Duration
	PollInterval    time.Duration
	RetryDelay      time.Duration
}

// Chain announces batches by calling intentBatchEmit on the configured contract.
type Chain struct {
	opts     ChainOptions
	logger   zerolog.Logger
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	signer   types.Signer

	clientMux sync.Mutex
	backend   ChainBackend
}

// NewChain validates opts and builds an announcer. The RPC connection is opened lazily.
func NewChain(opts ChainOptions, logger zerolog.Logger) (*Chain, error) {
	if opts.RPCURL == "" {
		return nil, fmt.Errorf("%w: ethereum rpc url", ErrNotConfigured)
	}
	if !common.IsHexAddress(opts.ContractAddress) {
		return nil, fmt.Errorf("%w: invalid contract address %q", ErrNotConfigured, opts.ContractAddress)
	}
	if opts.ChainID <= 0 {
		return nil, fmt.Errorf("%w: chain id", ErrNotConfigured)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key", ErrNotConfigured)
	}
	if opts.GasLimit == 0 {
		opts.GasLimit = 300000
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPoll
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetry
	}

	return &Chain{
		opts:     opts,
		logger:   logger.With().Str("component", "chain_announcer").Logger(),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		contract: common.HexToAddress(opts.ContractAddress),
		signer:   types.LatestSignerForChainID(big.NewInt(opts.ChainID)),
	}, nil
}

// From returns the account paying for announcements.
func (c *Chain) From() common.Address {
	return c.from
}

// Send broadcasts intentBatchEmit(start, end, ref). An underpriced send is
// retried once with a higher gas price.
func (c *Chain) Send(ctx context.Context, start, end time.Time, ref string) (Submission, error) {
	return c.send(ctx, start, end, ref, nil)
}

// Replace rebroadcasts the announcement under prev's nonce.
func (c *Chain) Replace(ctx context.Context, prev Submission, start, end time.Time, ref string) (Submission, error) {
	nonce := prev.Nonce
	return c.send(ctx, start, end, ref, &nonce)
}

func (c *Chain) send(ctx context.Context, start, end time.Time, ref string, nonce *uint64) (Submission, error) {
	data, err := batchEmitterABI.Pack(emitMethod, big.NewInt(start.Unix()), big.NewInt(end.Unix()), ref)
	if err != nil {
		return Submission{}, fmt.Errorf("pack %s: %w", emitMethod, err)
	}

	backend, err := c.getBackend(ctx)
	if err != nil {
		return Submission{}, err
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		replacements := attempt - 1
		if nonce != nil {
			replacements++
		}
		tx, err := c.buildTx(ctx, backend, data, nonce, replacements)
		if err != nil {
			return Submission{}, err
		}

		sendCtx, cancel := c.requestContext(ctx)
		err = backend.SendTransaction(sendCtx, tx)
		cancel()
		if err != nil {
			if attempt < maxAttempts && isUnderpriced(err) {
				c.logger.Warn().Err(err).Int("attempt", attempt).Msg("transaction underpriced, retrying")
				if err := sleep(ctx, c.opts.RetryDelay); err != nil {
					return Submission{}, err
				}
				continue
			}
			return Submission{}, fmt.Errorf("send transaction: %w", err)
		}

		c.logger.Info().
			Str("tx_hash", tx.Hash().Hex()).
			Uint64("nonce", tx.Nonce()).
			Bool("replacement", nonce != nil).
			Str("ref", ref).
			Msg("batch announcement sent")
		return Submission{Hash: tx.Hash(), Nonce: tx.Nonce()}, nil
	}

	return Submission{}, errors.New("announcement failed after maximum retries")
}

// Check reports the state of hash from a single receipt lookup.
func (c *Chain) Check(ctx context.Context, hash common.Hash) (TxState, error) {
	backend, err := c.getBackend(ctx)
	if err != nil {
		return TxPending, err
	}

	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	return receiptState(backend.TransactionReceipt(reqCtx, hash))
}

// Wait polls for the receipt of hash until ReceiptTimeout passes.
func (c *Chain) Wait(ctx context.Context, hash common.Hash) (TxState, error) {
	backend, err := c.getBackend(ctx)
	if err != nil {
		return TxPending, err
	}

	waitCtx := ctx
	if c.opts.ReceiptTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.opts.ReceiptTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		state, err := receiptState(backend.TransactionReceipt(waitCtx, hash))
		if err != nil {
			c.logger.Debug().Err(err).Str("tx_hash", hash.Hex()).Msg("receipt lookup failed")
		} else if state != TxPending {
			c.logger.Info().Str("tx_hash", hash.Hex()).Stringer("state", state).Msg("batch announcement mined")
			return state, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return TxPending, ctx.Err()
			}
			c.logger.Warn().Str("tx_hash", hash.Hex()).Msg("receipt not available before timeout")
			return TxPending, nil
		case <-ticker.C:
		}
	}
}

func receiptState(receipt *types.Receipt, err error) (TxState, error) {
	if errors.Is(err, ethereum.NotFound) {
		return TxPending, nil
	}
	if err != nil {
		return TxPending, fmt.Errorf("load receipt: %w", err)
	}
	if receipt == nil {
		return TxPending, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return TxReverted, nil
	}
	return TxConfirmed, nil
}

func (c *Chain) buildTx(ctx context.Context, backend ChainBackend, data []byte, fixedNonce *uint64, replacements int) (*types.Transaction, error) {
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()

	var nonce uint64
	if fixedNonce != nil {
		nonce = *fixedNonce
	} else {
		pending, err := backend.PendingNonceAt(reqCtx, c.from)
		if err != nil {
			return nil, fmt.Errorf("get nonce: %w", err)
		}
		nonce = pending
	}
	gasPrice, err := backend.SuggestGasPrice(reqCtx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gasPrice = bumpGasPrice(gasPrice, c.opts.GasPriceBumpPct)
	for i := 0; i < replacements; i++ {
		gasPrice = bumpGasPrice(gasPrice, max(c.opts.GasPriceBumpPct, minReplaceBumpPct))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      c.opts.GasLimit,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

func (c *Chain) getBackend(ctx context.Context) (ChainBackend, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.backend != nil {
		return c.backend, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	c.backend = client
	return client, nil
}

func (c *Chain) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.RequestTimeout)
}

func bumpGasPrice(price *big.Int, pct int64) *big.Int {
	if pct <= 0 {
		return new(big.Int).Set(price)
	}
	bumped := new(big.Int).Mul(price, big.NewInt(100+pct))
	return bumped.Div(bumped, big.NewInt(100))
}

func isUnderpriced(err error) bool {
	return err != nil && strings.Contains(err.Error(), "underpriced")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Announcer = (*Chain)(nil)
