package service

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"intent-registry/internal/alerting"
	"intent-registry/internal/intent"
	"intent-registry/internal/registry"
	"intent-registry/internal/storage"
)

// Intake stamps submissions with the registry clock and raises alerts for
// forged or mismatched signatures.
type Intake struct {
	registry *registry.Registry
	notifier alerting.Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewIntake wraps reg. notifier may be nil.
func NewIntake(reg *registry.Registry, notifier alerting.Notifier, logger zerolog.Logger) *Intake {
	return &Intake{
		registry: reg,
		notifier: notifier,
		logger:   logger.With().Str("component", "intake").Logger(),
		now:      time.Now,
	}
}

// Submit evaluates signed at the current time.
func (s *Intake) Submit(ctx context.Context, signed intent.SignedIntent) (storage.Record, error) {
	rec, err := s.registry.Submit(ctx, signed, s.now())
	if err != nil {
		return rec, err
	}
	if rec.Reason == storage.ReasonBadSignature {
		s.alert(ctx, rec)
	}
	return rec, nil
}

// Lookup loads a record by id.
func (s *Intake) Lookup(ctx context.Context, id uuid.UUID) (storage.Record, error) {
	return s.registry.Lookup(ctx, id)
}

// History lists the newest records of signer.
func (s *Intake) History(ctx context.Context, signer common.Address, limit int) ([]storage.Record, error) {
	return s.registry.History(ctx, signer, limit)
}

func (s *Intake) alert(ctx context.Context, rec storage.Record) {
	if s.notifier == nil {
		return
	}
	note := alerting.Notification{
		At:       rec.AcceptedAt,
		RecordID: rec.ID.String(),
		Signer:   rec.Signer.Hex(),
		Asset:    rec.Signed.Intent.Asset(),
		Nonce:    rec.Signed.Intent.Nonce().String(),
		Reason:   string(rec.Reason),
		Detail:   rec.Detail,
	}
	if rec.Signed.Signer != (common.Address{}) {
		note.ClaimedSigner = rec.Signed.Signer.Hex()
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("record_id", rec.ID.String()).Msg("failed to dispatch alert")
	}
}
