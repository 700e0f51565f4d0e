package storage

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"intent-registry/internal/intent"
)

// Status is the terminal state of a registry record.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Reason explains a rejection. Values are part of the submission wire format.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonInvalidIntent Reason = "InvalidIntent"
	ReasonBadSignature  Reason = "BadSignature"
	ReasonExpired       Reason = "Expired"
	ReasonReplay        Reason = "Replay"
)

// Record is one append-only audit entry produced by the registry.
type Record struct {
	ID     uuid.UUID
	Signed intent.SignedIntent
	// Signer is the recovered address, or the claimed one when recovery failed.
	Signer common.Address
	Status Status
	Reason Reason
	// Detail holds the verification error text for rejected records.
	Detail string
	// AcceptedAt is the registry clock reading when the submission was processed.
	AcceptedAt time.Time
}

// Accepted reports whether the record occupies its (signer, nonce) slot.
func (r Record) Accepted() bool {
	return r.Status == StatusAccepted
}

// ReplayKey identifies the uniqueness slot of an accepted record.
type ReplayKey struct {
	Signer common.Address
	Nonce  intent.Nonce
}

// Key returns the replay key of the record.
func (r Record) Key() ReplayKey {
	return ReplayKey{Signer: r.Signer, Nonce: r.Signed.Intent.Nonce()}
}

// AnchorState tracks the on-chain announcement of an anchor.
type AnchorState string

const (
	// AnchorLocal anchors are not announced on chain.
	AnchorLocal     AnchorState = "local"
	AnchorPending   AnchorState = "pending"
	AnchorConfirmed AnchorState = "confirmed"
)

// Anchor captures one published batch of accepted records.
type Anchor struct {
	ID          int64
	WindowStart time.Time
	WindowEnd   time.Time
	RecordCount int
	Digest      common.Hash
	CID         string
	TxHash      string
	TxNonce     uint64
	State       AnchorState
	SentAt      time.Time
	FilePath    string
	CreatedAt   time.Time
	// RecordIDs lists the batch members. It is written with the anchor and
	// not loaded back.
	RecordIDs []uuid.UUID
}

// Ref is the reference announced on chain: the CID, or the digest when the
// batch was not pinned.
func (a Anchor) Ref() string {
	if a.CID != "" {
		return a.CID
	}
	return a.Digest.Hex()
}
