package publish

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

const auditContract = "0x130548c20002412015b9dE28aE8Ed1Daa2874ea2"

type staticReceipts struct {
	receipt *types.Receipt
}

func (s staticReceipts) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return s.receipt, nil
}

func batchLog(t *testing.T, contract common.Address, start, end int64, cid string) *types.Log {
	t.Helper()
	event := batchEmitterABI.Events[batchEvent]
	data, err := event.Inputs.NonIndexed().Pack(cid)
	if err != nil {
		t.Fatalf("pack event: %v", err)
	}
	return &types.Log{
		Address: contract,
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(big.NewInt(start)),
			common.BigToHash(big.NewInt(end)),
		},
		Data: data,
	}
}

func TestAuditorMissingConfig(t *testing.T) {
	a := NewAuditor(AuditOptions{}, zerolog.Nop())
	if _, err := a.FetchAnnouncement(context.Background(), common.Hash{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured without rpc url, got %v", err)
	}

	a = NewAuditor(AuditOptions{RPCURL: "http://localhost"}, zerolog.Nop())
	if _, err := a.FetchAnnouncement(context.Background(), common.Hash{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured without contract, got %v", err)
	}
}

func TestAuditorDecodesAnnouncement(t *testing.T) {
	contract := common.HexToAddress(auditContract)
	other := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(99),
		Logs: []*types.Log{
			batchLog(t, other, 1, 2, "spoofed"),
			batchLog(t, contract, 1_700_000_000, 1_700_003_600, "bafytest"),
		},
	}

	a := NewAuditor(AuditOptions{RPCURL: "http://unused", ContractAddress: auditContract}, zerolog.Nop())
	a.client = staticReceipts{receipt: receipt}

	got, err := a.FetchAnnouncement(context.Background(), common.HexToHash("0x01"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.CID != "bafytest" || got.BlockNumber != 99 {
		t.Fatalf("unexpected announcement %+v", got)
	}
	if !got.Start.Equal(time.Unix(1_700_000_000, 0)) || !got.End.Equal(time.Unix(1_700_003_600, 0)) {
		t.Fatalf("unexpected window %s..%s", got.Start, got.End)
	}
}

func TestAuditorMissingEvent(t *testing.T) {
	a := NewAuditor(AuditOptions{RPCURL: "http://unused", ContractAddress: auditContract}, zerolog.Nop())
	a.client = staticReceipts{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}}
	if _, err := a.FetchAnnouncement(context.Background(), common.Hash{}); !errors.Is(err, ErrAnnouncementMissing) {
		t.Fatalf("expected ErrAnnouncementMissing, got %v", err)
	}

	a.client = staticReceipts{receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(1)}}
	if _, err := a.FetchAnnouncement(context.Background(), common.Hash{}); !errors.Is(err, ErrTxFailed) {
		t.Fatalf("expected ErrTxFailed, got %v", err)
	}
}
