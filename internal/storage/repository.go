package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"intent-registry/internal/intent"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrDuplicateAccepted indicates (signer, nonce) already has an accepted record.
	ErrDuplicateAccepted = errors.New("storage: signer nonce already accepted")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrAlreadyAnchored indicates a record of the batch belongs to another anchor.
	ErrAlreadyAnchored = errors.New("storage: record already anchored")
)

const (
	uniqueViolation  = "23505"
	acceptedKeyIndex = "intent_records_accepted_key"
	recordColumns    = `id, asset, direction, size_units, reference_price_units, expiry, nonce, claimed_signer, signer_address, signature, status, reason, detail, accepted_at`
	anchorColumns    = `id, window_start, window_end, record_count, digest, cid, tx_hash, tx_nonce, state, sent_at, file_path, created_at`
	entryKeyIndex    = "intent_anchor_entries_pkey"
	insertRecordSQL  = `INSERT INTO intent_records (` + recordColumns + `)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
    ON CONFLICT (signer_address, nonce) WHERE status = 'accepted' DO NOTHING;`
	getRecordSQL    = `SELECT ` + recordColumns + ` FROM intent_records WHERE id = $1;`
	listBySignerSQL = `SELECT ` + recordColumns + ` FROM intent_records
    WHERE signer_address = $1
    ORDER BY accepted_at DESC
    LIMIT $2;`
	listRecentSQL = `SELECT ` + recordColumns + ` FROM intent_records
    ORDER BY accepted_at DESC
    LIMIT $1;`
	listBetweenSQL = `SELECT ` + recordColumns + ` FROM intent_records
    WHERE accepted_at >= $1
      AND accepted_at < $2
    ORDER BY accepted_at, id;`
	listAcceptedBetweenSQL = `SELECT ` + recordColumns + ` FROM intent_records
    WHERE status = 'accepted'
      AND accepted_at >= $1
      AND accepted_at < $2
    ORDER BY accepted_at, id;`
	countRecordsSQL = `SELECT
        COUNT(*) FILTER (WHERE status = 'accepted'),
        COUNT(*) FILTER (WHERE status = 'rejected')
    FROM intent_records;`

	listUnanchoredSQL = `SELECT ` + recordColumns + ` FROM intent_records r
    WHERE r.status = 'accepted'
      AND r.accepted_at < $1
      AND NOT EXISTS (SELECT 1 FROM intent_anchor_entries e WHERE e.record_id = r.id)
    ORDER BY r.accepted_at, r.id;`
	insertAnchorSQL = `INSERT INTO intent_anchors (
        window_start, window_end, record_count, digest, cid, tx_hash, tx_nonce, state, sent_at, file_path
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    RETURNING ` + anchorColumns + `;`
	insertEntriesSQL = `INSERT INTO intent_anchor_entries (record_id, anchor_id)
    SELECT unnest($2::text[])::uuid, $1;`
	latestAnchorSQL = `SELECT ` + anchorColumns + ` FROM intent_anchors
    ORDER BY window_end DESC
    LIMIT 1;`
	pendingAnchorsSQL = `SELECT ` + anchorColumns + ` FROM intent_anchors
    WHERE state = 'pending'
    ORDER BY id;`
	updateAnchorTxSQL = `UPDATE intent_anchors
    SET tx_hash = $2, tx_nonce = $3, state = $4, sent_at = $5
    WHERE id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RecordStore is the registry's append-only record log. Append must reject a
// second accepted record for the same ReplayKey with ErrDuplicateAccepted, atomically.
type RecordStore interface {
	Append(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, id uuid.UUID) (Record, error)
	ListBySigner(ctx context.Context, signer common.Address, limit int) ([]Record, error)
	ListRecent(ctx context.Context, limit int) ([]Record, error)
}

// RecordReader exposes time-window queries for export and anchoring.
type RecordReader interface {
	ListRecordsBetween(ctx context.Context, from, to time.Time) ([]Record, error)
	ListAcceptedBetween(ctx context.Context, from, to time.Time) ([]Record, error)
	CountRecords(ctx context.Context) (accepted, rejected int64, err error)
}

// AnchorStore persists published batches. Batch membership is recorded per
// record, so a record is anchored exactly once however late it committed.
type AnchorStore interface {
	// ListUnanchored lists accepted records processed before the cutoff that
	// belong to no anchor, in processing order.
	ListUnanchored(ctx context.Context, before time.Time) ([]Record, error)
	// InsertAnchor stores anchor and claims anchor.RecordIDs in one transaction.
	InsertAnchor(ctx context.Context, anchor Anchor) (Anchor, error)
	LatestAnchor(ctx context.Context) (Anchor, bool, error)
	PendingAnchors(ctx context.Context) ([]Anchor, error)
	// UpdateAnchorTx rewrites the announcement fields of an existing anchor.
	UpdateAnchorTx(ctx context.Context, anchor Anchor) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL implementation of every storage interface.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session anyway.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Append inserts rec. The insert and the uniqueness check are one statement
// against the partial unique index, so concurrent registries cannot both accept.
func (s *Store) Append(ctx context.Context, rec Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	in := rec.Signed.Intent
	tag, execErr := pool.Exec(ctx, insertRecordSQL,
		rec.ID,
		in.Asset(),
		int16(in.Direction()),
		in.Size().Units(),
		in.ReferencePrice().Units(),
		in.Expiry(),
		in.Nonce().String(),
		addressKey(rec.Signed.Signer),
		addressKey(rec.Signer),
		rec.Signed.Signature,
		string(rec.Status),
		string(rec.Reason),
		rec.Detail,
		rec.AcceptedAt,
	)
	if execErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(execErr, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == acceptedKeyIndex {
			return ErrDuplicateAccepted
		}
		return fmt.Errorf("insert intent record: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateAccepted
	}
	return nil
}

// GetRecord loads a single record.
func (s *Store) GetRecord(ctx context.Context, id uuid.UUID) (Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return Record{}, err
	}

	rec, scanErr := scanRecord(pool.QueryRow(ctx, getRecordSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if scanErr != nil {
		return Record{}, fmt.Errorf("get record: %w", scanErr)
	}
	return rec, nil
}

// ListBySigner lists the most recent records of one signer.
func (s *Store) ListBySigner(ctx context.Context, signer common.Address, limit int) ([]Record, error) {
	return s.queryRecords(ctx, "list records by signer", listBySignerSQL, addressKey(signer), limit)
}

// ListRecent lists the most recent records.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	return s.queryRecords(ctx, "list recent records", listRecentSQL, limit)
}

// ListRecordsBetween lists records processed within [from, to).
func (s *Store) ListRecordsBetween(ctx context.Context, from, to time.Time) ([]Record, error) {
	return s.queryRecords(ctx, "list records between", listBetweenSQL, from, to)
}

// ListAcceptedBetween lists accepted records processed within [from, to).
func (s *Store) ListAcceptedBetween(ctx context.Context, from, to time.Time) ([]Record, error) {
	return s.queryRecords(ctx, "list accepted between", listAcceptedBetweenSQL, from, to)
}

// CountRecords counts accepted and rejected records.
func (s *Store) CountRecords(ctx context.Context) (int64, int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, 0, err
	}
	var accepted, rejected int64
	if scanErr := pool.QueryRow(ctx, countRecordsSQL).Scan(&accepted, &rejected); scanErr != nil {
		return 0, 0, fmt.Errorf("count records: %w", scanErr)
	}
	return accepted, rejected, nil
}

// ListUnanchored lists accepted records before the cutoff not yet claimed by an anchor.
func (s *Store) ListUnanchored(ctx context.Context, before time.Time) ([]Record, error) {
	return s.queryRecords(ctx, "list unanchored records", listUnanchoredSQL, before)
}

// InsertAnchor persists a published batch together with its membership.
func (s *Store) InsertAnchor(ctx context.Context, anchor Anchor) (Anchor, error) {
	pool, err := s.getPool()
	if err != nil {
		return Anchor{}, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return Anchor{}, fmt.Errorf("begin anchor transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, insertAnchorSQL,
		anchor.WindowStart,
		anchor.WindowEnd,
		anchor.RecordCount,
		anchor.Digest.Bytes(),
		anchor.CID,
		anchor.TxHash,
		int64(anchor.TxNonce),
		string(anchorState(anchor.State)),
		nullableTime(anchor.SentAt),
		anchor.FilePath,
	)
	stored, scanErr := scanAnchor(row)
	if scanErr != nil {
		return Anchor{}, fmt.Errorf("insert anchor: %w", scanErr)
	}

	ids := make([]string, 0, len(anchor.RecordIDs))
	for _, id := range anchor.RecordIDs {
		ids = append(ids, id.String())
	}
	if _, execErr := tx.Exec(ctx, insertEntriesSQL, stored.ID, ids); execErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(execErr, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == entryKeyIndex {
			return Anchor{}, ErrAlreadyAnchored
		}
		return Anchor{}, fmt.Errorf("insert anchor entries: %w", execErr)
	}

	if err := tx.Commit(ctx); err != nil {
		return Anchor{}, fmt.Errorf("commit anchor: %w", err)
	}
	stored.RecordIDs = anchor.RecordIDs
	return stored, nil
}

// PendingAnchors lists anchors whose announcement is not yet confirmed, oldest first.
func (s *Store) PendingAnchors(ctx context.Context) ([]Anchor, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, pendingAnchorsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list pending anchors: %w", queryErr)
	}
	defer rows.Close()

	anchors := make([]Anchor, 0)
	for rows.Next() {
		anchor, scanErr := scanAnchor(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("list pending anchors: %w", scanErr)
		}
		anchors = append(anchors, anchor)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return anchors, nil
}

// UpdateAnchorTx stores a new announcement transaction or state for anchor.ID.
func (s *Store) UpdateAnchorTx(ctx context.Context, anchor Anchor) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, execErr := pool.Exec(ctx, updateAnchorTxSQL,
		anchor.ID,
		anchor.TxHash,
		int64(anchor.TxNonce),
		string(anchorState(anchor.State)),
		nullableTime(anchor.SentAt),
	)
	if execErr != nil {
		return fmt.Errorf("update anchor %d: %w", anchor.ID, execErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update anchor %d: %w", anchor.ID, ErrNotFound)
	}
	return nil
}

// LatestAnchor returns the anchor with the greatest window end.
func (s *Store) LatestAnchor(ctx context.Context) (Anchor, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Anchor{}, false, err
	}

	anchor, scanErr := scanAnchor(pool.QueryRow(ctx, latestAnchorSQL))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Anchor{}, false, nil
	}
	if scanErr != nil {
		return Anchor{}, false, fmt.Errorf("latest anchor: %w", scanErr)
	}
	return anchor, true, nil
}

func (s *Store) queryRecords(ctx context.Context, op, query string, args ...any) ([]Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		id         uuid.UUID
		asset      string
		direction  int16
		sizeStr    string
		priceStr   string
		expiry     int64
		nonceStr   string
		claimed    string
		signer     string
		signature  []byte
		status     string
		reason     string
		detail     string
		acceptedAt time.Time
	)

	if err := row.Scan(
		&id,
		&asset,
		&direction,
		&sizeStr,
		&priceStr,
		&expiry,
		&nonceStr,
		&claimed,
		&signer,
		&signature,
		&status,
		&reason,
		&detail,
		&acceptedAt,
	); err != nil {
		return Record{}, err
	}

	size, err := intent.ParseUnits(sizeStr)
	if err != nil {
		return Record{}, fmt.Errorf("parse size: %w", err)
	}
	price, err := intent.ParseUnits(priceStr)
	if err != nil {
		return Record{}, fmt.Errorf("parse reference price: %w", err)
	}
	nonce, err := intent.ParseNonce(nonceStr)
	if err != nil {
		return Record{}, err
	}

	in, err := intent.Reconstruct(intent.Params{
		Asset:          asset,
		Size:           size,
		ReferencePrice: price,
		Direction:      intent.Direction(direction),
		Expiry:         expiry,
		Nonce:          nonce,
	})
	if err != nil {
		return Record{}, fmt.Errorf("rebuild intent %s: %w", id, err)
	}

	return Record{
		ID: id,
		Signed: intent.SignedIntent{
			Intent:    in,
			Signer:    common.HexToAddress(claimed),
			Signature: signature,
		},
		Signer:     common.HexToAddress(signer),
		Status:     Status(status),
		Reason:     Reason(reason),
		Detail:     detail,
		AcceptedAt: acceptedAt.UTC(),
	}, nil
}

func scanAnchor(row pgx.Row) (Anchor, error) {
	var (
		anchor  Anchor
		digest  []byte
		txNonce int64
		state   string
		sentAt  *time.Time
	)
	if err := row.Scan(
		&anchor.ID,
		&anchor.WindowStart,
		&anchor.WindowEnd,
		&anchor.RecordCount,
		&digest,
		&anchor.CID,
		&anchor.TxHash,
		&txNonce,
		&state,
		&sentAt,
		&anchor.FilePath,
		&anchor.CreatedAt,
	); err != nil {
		return Anchor{}, err
	}
	anchor.Digest = common.BytesToHash(digest)
	anchor.TxNonce = uint64(txNonce)
	anchor.State = AnchorState(state)
	if sentAt != nil {
		anchor.SentAt = sentAt.UTC()
	}
	anchor.WindowStart = anchor.WindowStart.UTC()
	anchor.WindowEnd = anchor.WindowEnd.UTC()
	return anchor, nil
}

func anchorState(state AnchorState) AnchorState {
	if state == "" {
		return AnchorLocal
	}
	return state
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// addressKey is the canonical lowercase form used for the unique index.
func addressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

var (
	_ RecordStore    = (*Store)(nil)
	_ RecordReader   = (*Store)(nil)
	_ AnchorStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
