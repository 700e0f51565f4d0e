// Package publish builds batch documents of accepted intents and announces
// them to IPFS and an Ethereum contract.
package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"intent-registry/internal/canonical"
	"intent-registry/internal/storage"
)

// BatchVersion tags the batch document layout.
const BatchVersion = "intent-batch/v1"

// Batch is the published document for one window of accepted records.
type Batch struct {
	Version     string       `json:"version"`
	WindowStart int64        `json:"windowStart"`
	WindowEnd   int64        `json:"windowEnd"`
	Digest      string       `json:"digest"`
	Count       int          `json:"count"`
	Intents     []BatchEntry `json:"intents"`
}

// BatchEntry is one accepted record inside a batch.
type BatchEntry struct {
	RecordID       string    `json:"recordId"`
	Signer         string    `json:"signer"`
	Asset          string    `json:"asset"`
	Direction      string    `json:"direction"`
	Size           string    `json:"size"`
	ReferencePrice string    `json:"referencePrice"`
	Expiry         int64     `json:"expiry"`
	Nonce          string    `json:"nonce"`
	Signature      string    `json:"signature"`
	PayloadDigest  string    `json:"payloadDigest"`
	AcceptedAt     time.Time `json:"acceptedAt"`
}

// BuildBatch assembles the batch for [start, end). Records keep the order
// given; the digest is keccak256 over the concatenated payload digests.
func BuildBatch(start, end time.Time, records []storage.Record) (Batch, common.Hash) {
	entries := make([]BatchEntry, 0, len(records))
	digests := make([][]byte, 0, len(records))
	for _, rec := range records {
		in := rec.Signed.Intent
		payloadDigest := canonical.Hash(in)
		digests = append(digests, payloadDigest.Bytes())
		entries = append(entries, BatchEntry{
			RecordID:       rec.ID.String(),
			Signer:         rec.Signer.Hex(),
			Asset:          in.Asset(),
			Direction:      in.Direction().String(),
			Size:           in.Size().String(),
			ReferencePrice: in.ReferencePrice().String(),
			Expiry:         in.Expiry(),
			Nonce:          in.Nonce().String(),
			Signature:      hexutil.Encode(rec.Signed.Signature),
			PayloadDigest:  payloadDigest.Hex(),
			AcceptedAt:     rec.AcceptedAt.UTC(),
		})
	}

	digest := crypto.Keccak256Hash(digests...)
	return Batch{
		Version:     BatchVersion,
		WindowStart: start.Unix(),
		WindowEnd:   end.Unix(),
		Digest:      digest.Hex(),
		Count:       len(entries),
		Intents:     entries,
	}, digest
}

// Encode renders the batch as indented JSON.
func (b Batch) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return data, nil
}

// FileName is the deterministic file name of the batch.
func (b Batch) FileName() string {
	return fmt.Sprintf("intents_%d_%d.json", b.WindowStart, b.WindowEnd)
}
