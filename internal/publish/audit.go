package publish

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const batchEvent = "IntentsBatchIPFS"

// ErrAnnouncementMissing is returned when a transaction carries no batch event
// from the configured contract.
var ErrAnnouncementMissing = errors.New("batch announcement not found in transaction")

// Announcement is a decoded IntentsBatchIPFS event.
type Announcement struct {
	Start       time.Time
	End         time.Time
	CID         string
	BlockNumber uint64
}

// ReceiptFetcher loads transaction receipts.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// AuditOptions parameterise the announcement auditor.
type AuditOptions struct {
	RPCURL          string
	ContractAddress string
	Timeout         time.Duration
}

// Auditor reads batch announcements back from chain.
type Auditor struct {
	opts      AuditOptions
	logger    zerolog.Logger
	client    ReceiptFetcher
	clientMux sync.Mutex
}

// NewAuditor builds a new auditor.
func NewAuditor(opts AuditOptions, logger zerolog.Logger) *Auditor {
	return &Auditor{opts: opts, logger: logger.With().Str("component", "chain_auditor").Logger()}
}

// FetchAnnouncement decodes the batch event emitted by txHash.
func (a *Auditor) FetchAnnouncement(ctx context.Context, txHash common.Hash) (Announcement, error) {
	if a.opts.RPCURL == "" {
		return Announcement{}, fmt.Errorf("%w: ethereum rpc url", ErrNotConfigured)
	}
	if !common.IsHexAddress(a.opts.ContractAddress) {
		return Announcement{}, fmt.Errorf("%w: contract address", ErrNotConfigured)
	}

	timeout := a.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := a.getClient(ctx)
	if err != nil {
		return Announcement{}, err
	}

	receipt, err := client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return Announcement{}, fmt.Errorf("load receipt %s: %w", txHash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Announcement{}, fmt.Errorf("%w: %s", ErrTxFailed, txHash.Hex())
	}

	contract := common.HexToAddress(a.opts.ContractAddress)
	event := batchEmitterABI.Events[batchEvent]
	for _, log := range receipt.Logs {
		if log.Address != contract || len(log.Topics) != 3 || log.Topics[0] != event.ID {
			continue
		}

		outputs, err := batchEmitterABI.Unpack(batchEvent, log.Data)
		if err != nil {
			return Announcement{}, fmt.Errorf("decode %s: %w", batchEvent, err)
		}
		if len(outputs) != 1 {
			return Announcement{}, errors.New("unexpected IntentsBatchIPFS payload")
		}
		cid, ok := outputs[0].(string)
		if !ok {
			return Announcement{}, errors.New("failed to decode IntentsBatchIPFS cid")
		}

		start := new(big.Int).SetBytes(log.Topics[1].Bytes())
		end := new(big.Int).SetBytes(log.Topics[2].Bytes())
		return Announcement{
			Start:       time.Unix(start.Int64(), 0).UTC(),
			End:         time.Unix(end.Int64(), 0).UTC(),
			CID:         cid,
			BlockNumber: receipt.BlockNumber.Uint64(),
		}, nil
	}

	return Announcement{}, ErrAnnouncementMissing
}

func (a *Auditor) getClient(ctx context.Context) (ReceiptFetcher, error) {
	a.clientMux.Lock()
	defer a.clientMux.Unlock()

	if a.client != nil {
		return a.client, nil
	}

	client, err := ethclient.DialContext(ctx, a.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	a.client = client
	return client, nil
}
