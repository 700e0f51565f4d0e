// Package registry accepts signed intents, enforcing signature, expiry and replay rules.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"intent-registry/internal/intent"
	"intent-registry/internal/storage"
	"intent-registry/internal/verifier"
)

// ErrStorage is returned when a record could not be durably written. A
// submission is never reported accepted without a committed write.
var ErrStorage = errors.New("registry: storage unavailable")

// Options tune acceptance rules.
type Options struct {
	// RequireSignerMatch rejects a submission whose declared signer is set and
	// differs from the recovered signer.
	RequireSignerMatch bool
}

// Registry evaluates submissions against the record store. It holds no state
// of its own; every decision is taken against the store.
type Registry struct {
	store  storage.RecordStore
	opts   Options
	logger zerolog.Logger
	newID  func() uuid.UUID
}

// New constructs a registry over store.
func New(store storage.RecordStore, opts Options, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "registry").Logger(),
		newID:  uuid.New,
	}
}

// Submit evaluates signed at time now. Checks run in order and stop at the
// first failure: signature, expiry, replay. Rejections are returned as records,
// not errors; the error is non-nil only when the store failed.
func (r *Registry) Submit(ctx context.Context, signed intent.SignedIntent, now time.Time) (storage.Record, error) {
	now = now.UTC()
	rec := storage.Record{
		ID:         r.newID(),
		Signed:     signed,
		Signer:     signed.Signer,
		AcceptedAt: now,
	}

	recovered, err := verifier.Verify(signed, r.expectedSigner(signed))
	if err != nil {
		if recovered != (common.Address{}) {
			rec.Signer = recovered
		}
		r.logger.Warn().Err(err).
			Str("claimed_signer", signed.Signer.Hex()).
			Str("nonce", signed.Intent.Nonce().String()).
			Msg("rejecting submission with bad signature")
		return r.reject(ctx, rec, storage.ReasonBadSignature, err.Error())
	}
	rec.Signer = recovered

	if signed.Intent.ExpiredAt(now) {
		detail := fmt.Sprintf("expiry %d is not after %d", signed.Intent.Expiry(), now.Unix())
		r.logger.Info().Str("signer", recovered.Hex()).Msg("rejecting expired intent")
		return r.reject(ctx, rec, storage.ReasonExpired, detail)
	}

	rec.Status = storage.StatusAccepted
	if err := r.store.Append(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateAccepted) {
			r.logger.Info().
				Str("signer", recovered.Hex()).
				Str("nonce", signed.Intent.Nonce().String()).
				Msg("rejecting replayed intent")
			rec.ID = r.newID()
			return r.reject(ctx, rec, storage.ReasonReplay, "signer nonce already accepted")
		}
		r.logger.Error().Err(err).Str("record_id", rec.ID.String()).Msg("failed to persist accepted intent")
		return storage.Record{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	r.logger.Info().
		Str("record_id", rec.ID.String()).
		Str("signer", recovered.Hex()).
		Str("asset", signed.Intent.Asset()).
		Str("direction", signed.Intent.Direction().String()).
		Msg("intent accepted")
	return rec, nil
}

// Lookup loads a record by id.
func (r *Registry) Lookup(ctx context.Context, id uuid.UUID) (storage.Record, error) {
	return r.store.GetRecord(ctx, id)
}

// History lists the newest records of signer.
func (r *Registry) History(ctx context.Context, signer common.Address, limit int) ([]storage.Record, error) {
	return r.store.ListBySigner(ctx, signer, limit)
}

func (r *Registry) expectedSigner(signed intent.SignedIntent) *common.Address {
	if !r.opts.RequireSignerMatch || signed.Signer == (common.Address{}) {
		return nil
	}
	expected := signed.Signer
	return &expected
}

func (r *Registry) reject(ctx context.Context, rec storage.Record, reason storage.Reason, detail string) (storage.Record, error) {
	rec.Status = storage.StatusRejected
	rec.Reason = reason
	rec.Detail = detail
	if err := r.store.Append(ctx, rec); err != nil {
		r.logger.Error().Err(err).Str("reason", string(reason)).Msg("failed to record rejection")
		return storage.Record{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return rec, nil
}
