package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"intent-registry/internal/intent"
	"intent-registry/internal/storage"
)

// IntentRequest is the JSON form of a signed intent. Amounts are decimal
// strings in whole units; nonce and signature are 0x-prefixed hex.
type IntentRequest struct {
	Asset          string `json:"asset"`
	Size           string `json:"size"`
	ReferencePrice string `json:"referencePrice"`
	Direction      string `json:"direction"`
	Expiry         int64  `json:"expiry"`
	Nonce          string `json:"nonce"`
	Signer         string `json:"signer,omitempty"`
	Signature      string `json:"signature"`
}

// NewIntentRequest renders signed in wire form.
func NewIntentRequest(signed intent.SignedIntent) IntentRequest {
	in := signed.Intent
	req := IntentRequest{
		Asset:          in.Asset(),
		Size:           in.Size().String(),
		ReferencePrice: in.ReferencePrice().String(),
		Direction:      in.Direction().String(),
		Expiry:         in.Expiry(),
		Nonce:          in.Nonce().String(),
		Signature:      hexutil.Encode(signed.Signature),
	}
	if signed.Signer != (common.Address{}) {
		req.Signer = signed.Signer.Hex()
	}
	return req
}

// SignedIntent parses the request. Structural problems wrap
// intent.ErrInvalidIntent; expiry against the clock is left to the registry.
func (r IntentRequest) SignedIntent() (intent.SignedIntent, error) {
	size, err := intent.ParseAmount(r.Size)
	if err != nil {
		return intent.SignedIntent{}, invalid("size", err)
	}
	price, err := intent.ParseAmount(r.ReferencePrice)
	if err != nil {
		return intent.SignedIntent{}, invalid("referencePrice", err)
	}
	direction, err := intent.ParseDirection(r.Direction)
	if err != nil {
		return intent.SignedIntent{}, err
	}
	nonce, err := intent.ParseNonce(r.Nonce)
	if err != nil {
		return intent.SignedIntent{}, invalid("nonce", err)
	}

	in, err := intent.Reconstruct(intent.Params{
		Asset:          r.Asset,
		Size:           size,
		ReferencePrice: price,
		Direction:      direction,
		Expiry:         r.Expiry,
		Nonce:          nonce,
	})
	if err != nil {
		return intent.SignedIntent{}, err
	}

	signature, err := hexutil.Decode(r.Signature)
	if err != nil {
		return intent.SignedIntent{}, invalid("signature", err)
	}

	signed := intent.SignedIntent{Intent: in, Signature: signature}
	if s := strings.TrimSpace(r.Signer); s != "" {
		if !common.IsHexAddress(s) {
			return intent.SignedIntent{}, invalid("signer", fmt.Errorf("not a hex address"))
		}
		signed.Signer = common.HexToAddress(s)
	}
	return signed, nil
}

func invalid(field string, err error) error {
	return &intent.ValidationError{Field: field, Reason: err.Error()}
}

// RecordResponse is the JSON form of a registry record.
type RecordResponse struct {
	RecordID   string        `json:"recordId"`
	Status     string        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Signer     string        `json:"signer"`
	AcceptedAt time.Time     `json:"acceptedAt"`
	Intent     IntentRequest `json:"intent"`
}

// NewRecordResponse renders rec in wire form.
func NewRecordResponse(rec storage.Record) RecordResponse {
	return RecordResponse{
		RecordID:   rec.ID.String(),
		Status:     string(rec.Status),
		Reason:     string(rec.Reason),
		Detail:     rec.Detail,
		Signer:     rec.Signer.Hex(),
		AcceptedAt: rec.AcceptedAt.UTC(),
		Intent:     NewIntentRequest(rec.Signed),
	}
}

// Accepted reports whether the record was accepted.
func (r RecordResponse) Accepted() bool {
	return r.Status == string(storage.StatusAccepted)
}
