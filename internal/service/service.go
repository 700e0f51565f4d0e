package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"intent-registry/internal/publish"
	"intent-registry/internal/scheduler"
	"intent-registry/internal/storage"
)

// AnchorOptions tune the anchoring job.
type AnchorOptions struct {
	AdvisoryLockKey int64
	OutputDir       string
	// ResendAfter is how long an announcement may stay unmined before it is
	// replaced under the same nonce. Zero disables replacement.
	ResendAfter time.Duration
}

// Service periodically publishes accepted records as batch documents.
type Service struct {
	scheduler *scheduler.Scheduler
	anchors   storage.AnchorStore
	locker    storage.AdvisoryLocker
	pinner    publish.Pinner
	announcer publish.Announcer
	logger    zerolog.Logger

	lockKey     int64
	outputDir   string
	resendAfter time.Duration
	now         func() time.Time
}

// New constructs the anchoring service. pinner and announcer are optional.
func New(opts AnchorOptions, sched *scheduler.Scheduler, anchors storage.AnchorStore, pinner publish.Pinner, announcer publish.Announcer, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := anchors.(storage.AdvisoryLocker); ok {
		locker = l
	}

	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = "batches"
	}

	return &Service{
		scheduler:   sched,
		anchors:     anchors,
		locker:      locker,
		pinner:      pinner,
		announcer:   announcer,
		logger:      logger.With().Str("component", "anchor_service").Logger(),
		lockKey:     opts.AdvisoryLockKey,
		outputDir:   outputDir,
		resendAfter: opts.ResendAfter,
		now:         time.Now,
	}
}

// Run begins the periodic anchoring loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessWindow)
}

// ProcessWindow anchors the records of window under the advisory lock.
func (s *Service) ProcessWindow(ctx context.Context, window scheduler.Window) error {
	_, _, err := s.AnchorWindow(ctx, window)
	return err
}

// AnchorWindow first settles announcements left pending by earlier runs, then
// publishes every accepted record processed before window.End that no anchor
// holds yet. Records committed after their window was anchored join the next
// batch. The bool result is false when nothing new was anchored.
func (s *Service) AnchorWindow(ctx context.Context, window scheduler.Window) (storage.Anchor, bool, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return storage.Anchor{}, false, err
	}
	if !proceed {
		s.logger.Debug().Time("window_end", window.End).Msg("skip window because advisory lock held elsewhere")
		return storage.Anchor{}, false, nil
	}
	if unlock != nil {
		defer unlock()
	}

	s.settlePending(ctx)
	return s.executeWindow(ctx, window)
}

func (s *Service) executeWindow(ctx context.Context, window scheduler.Window) (storage.Anchor, bool, error) {
	start := window.Start.UTC()
	end := window.End.UTC()

	latest, found, err := s.anchors.LatestAnchor(ctx)
	if err != nil {
		return storage.Anchor{}, false, fmt.Errorf("load latest anchor: %w", err)
	}
	if found {
		start = latest.WindowEnd.UTC()
	}
	if !end.After(start) {
		s.logger.Debug().Time("window_end", end).Msg("window already anchored")
		return storage.Anchor{}, false, nil
	}

	records, err := s.anchors.ListUnanchored(ctx, end)
	if err != nil {
		return storage.Anchor{}, false, fmt.Errorf("list unanchored records: %w", err)
	}
	if len(records) == 0 {
		s.logger.Info().Time("window_start", start).Time("window_end", end).Msg("no accepted intents to anchor, skipping")
		return storage.Anchor{}, false, nil
	}
	if first := records[0].AcceptedAt.UTC(); first.Before(start) {
		s.logger.Info().Time("window_start", start).Time("earliest", first).Msg("widening window to include earlier unanchored records")
		start = first
	}

	batch, digest := publish.BuildBatch(start, end, records)
	content, err := batch.Encode()
	if err != nil {
		return storage.Anchor{}, false, err
	}

	filePath, err := s.writeBatch(batch.FileName(), content)
	if err != nil {
		return storage.Anchor{}, false, err
	}

	anchor := storage.Anchor{
		WindowStart: start,
		WindowEnd:   end,
		RecordCount: len(records),
		Digest:      digest,
		FilePath:    filePath,
		State:       storage.AnchorLocal,
		RecordIDs:   make([]uuid.UUID, 0, len(records)),
	}
	for _, rec := range records {
		anchor.RecordIDs = append(anchor.RecordIDs, rec.ID)
	}

	if s.pinner != nil {
		cid, err := s.pinner.Pin(ctx, batch.FileName(), content)
		if err != nil {
			s.logger.Error().Err(err).Str("file", filePath).Msg("failed to pin batch, file kept for retry")
			return storage.Anchor{}, false, fmt.Errorf("pin batch: %w", err)
		}
		anchor.CID = cid
	}

	if s.announcer != nil {
		sub, err := s.announcer.Send(ctx, start, end, anchor.Ref())
		if err != nil {
			s.logger.Error().Err(err).Str("file", filePath).Msg("failed to announce batch, file kept for retry")
			return storage.Anchor{}, false, fmt.Errorf("announce batch: %w", err)
		}
		anchor.TxHash = sub.Hash.Hex()
		anchor.TxNonce = sub.Nonce
		anchor.SentAt = s.now().UTC()
		anchor.State = storage.AnchorPending
	}

	stored, err := s.anchors.InsertAnchor(ctx, anchor)
	if err != nil {
		s.logger.Error().Err(err).Str("tx_hash", anchor.TxHash).Str("file", filePath).Msg("failed to record anchor")
		return storage.Anchor{}, false, fmt.Errorf("insert anchor: %w", err)
	}

	if stored.State == storage.AnchorPending {
		state, err := s.announcer.Wait(ctx, common.HexToHash(stored.TxHash))
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Str("tx_hash", stored.TxHash).Msg("announcement left pending")
		case state == publish.TxConfirmed:
			stored.State = storage.AnchorConfirmed
			if err := s.anchors.UpdateAnchorTx(ctx, stored); err != nil {
				s.logger.Error().Err(err).Int64("anchor_id", stored.ID).Msg("failed to mark anchor confirmed")
				stored.State = storage.AnchorPending
			}
		default:
			s.logger.Warn().Str("tx_hash", stored.TxHash).Stringer("state", state).Msg("announcement left pending")
		}
	}

	s.logger.Info().Time("window_start", start).
		Time("window_end", end).
		Int("records", len(records)).
		Str("digest", digest.Hex()).
		Str("cid", stored.CID).
		Str("tx_hash", stored.TxHash).
		Str("state", string(stored.State)).
		Msg("batch anchored")
	return stored, true, nil
}

// settlePending confirms earlier announcements. A reverted announcement is
// sent again; one unmined past ResendAfter is replaced under its nonce.
func (s *Service) settlePending(ctx context.Context) {
	if s.announcer == nil {
		return
	}
	pending, err := s.anchors.PendingAnchors(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list pending anchors")
		return
	}
	for _, anchor := range pending {
		if err := s.settle(ctx, anchor); err != nil {
			s.logger.Error().Err(err).Int64("anchor_id", anchor.ID).Str("tx_hash", anchor.TxHash).Msg("failed to settle announcement")
		}
	}
}

func (s *Service) settle(ctx context.Context, anchor storage.Anchor) error {
	hash := common.HexToHash(anchor.TxHash)
	state, err := s.announcer.Check(ctx, hash)
	if err != nil {
		return err
	}

	var sub publish.Submission
	switch state {
	case publish.TxConfirmed:
		anchor.State = storage.AnchorConfirmed
		s.logger.Info().Int64("anchor_id", anchor.ID).Str("tx_hash", anchor.TxHash).Msg("announcement confirmed")
		return s.anchors.UpdateAnchorTx(ctx, anchor)
	case publish.TxReverted:
		s.logger.Warn().Int64("anchor_id", anchor.ID).Str("tx_hash", anchor.TxHash).Msg("announcement reverted, sending again")
		sub, err = s.announcer.Send(ctx, anchor.WindowStart, anchor.WindowEnd, anchor.Ref())
	default:
		if s.resendAfter <= 0 || s.now().Sub(anchor.SentAt) < s.resendAfter {
			return nil
		}
		s.logger.Warn().Int64("anchor_id", anchor.ID).Str("tx_hash", anchor.TxHash).Msg("announcement unmined, replacing")
		prev := publish.Submission{Hash: hash, Nonce: anchor.TxNonce}
		sub, err = s.announcer.Replace(ctx, prev, anchor.WindowStart, anchor.WindowEnd, anchor.Ref())
	}
	if err != nil {
		return err
	}

	anchor.TxHash = sub.Hash.Hex()
	anchor.TxNonce = sub.Nonce
	anchor.SentAt = s.now().UTC()
	anchor.State = storage.AnchorPending
	return s.anchors.UpdateAnchorTx(ctx, anchor)
}

func (s *Service) writeBatch(name string, content []byte) (string, error) {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create batch dir: %w", err)
	}
	path := filepath.Join(s.outputDir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write batch file: %w", err)
	}
	return path, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
