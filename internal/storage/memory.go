package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Memory keeps records in process. Its uniqueness index does not survive
// restarts and is not shared between instances; use Store for deployments.
type Memory struct {
	mu       sync.RWMutex
	records  []Record
	byID     map[uuid.UUID]int
	accepted map[ReplayKey]int
	anchors  []Anchor
	anchored map[uuid.UUID]int64
	lockMu   sync.Mutex
	locks    map[int64]bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byID:     make(map[uuid.UUID]int),
		accepted: make(map[ReplayKey]int),
		anchored: make(map[uuid.UUID]int64),
		locks:    make(map[int64]bool),
	}
}

// Append stores rec, failing with ErrDuplicateAccepted when its key is taken.
func (m *Memory) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Accepted() {
		if _, taken := m.accepted[rec.Key()]; taken {
			return ErrDuplicateAccepted
		}
		m.accepted[rec.Key()] = len(m.records)
	}
	m.byID[rec.ID] = len(m.records)
	m.records = append(m.records, cloneRecord(rec))
	return nil
}

// GetRecord loads a record by id.
func (m *Memory) GetRecord(ctx context.Context, id uuid.UUID) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(m.records[idx]), nil
}

// ListBySigner lists the newest records of signer first.
func (m *Memory) ListBySigner(ctx context.Context, signer common.Address, limit int) ([]Record, error) {
	return m.newest(limit, func(r Record) bool { return r.Signer == signer }), nil
}

// ListRecent lists the newest records first.
func (m *Memory) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	return m.newest(limit, func(Record) bool { return true }), nil
}

// ListRecordsBetween lists records within [from, to) in processing order.
func (m *Memory) ListRecordsBetween(ctx context.Context, from, to time.Time) ([]Record, error) {
	return m.between(from, to, func(Record) bool { return true }), nil
}

// ListAcceptedBetween lists accepted records within [from, to) in processing order.
func (m *Memory) ListAcceptedBetween(ctx context.Context, from, to time.Time) ([]Record, error) {
	return m.between(from, to, Record.Accepted), nil
}

// CountRecords counts accepted and rejected records.
func (m *Memory) CountRecords(ctx context.Context) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accepted := int64(len(m.accepted))
	return accepted, int64(len(m.records)) - accepted, nil
}

// ListUnanchored lists accepted records before the cutoff that no anchor claimed.
func (m *Memory) ListUnanchored(ctx context.Context, before time.Time) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0)
	for _, rec := range m.records {
		if !rec.Accepted() || !rec.AcceptedAt.Before(before) {
			continue
		}
		if _, taken := m.anchored[rec.ID]; taken {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AcceptedAt.Before(out[j].AcceptedAt) })
	return out, nil
}

// InsertAnchor stores a batch anchor, assigns its id and claims its records.
func (m *Memory) InsertAnchor(ctx context.Context, anchor Anchor) (Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range anchor.RecordIDs {
		if _, taken := m.anchored[id]; taken {
			return Anchor{}, ErrAlreadyAnchored
		}
	}

	anchor.ID = int64(len(m.anchors) + 1)
	anchor.State = anchorState(anchor.State)
	if anchor.CreatedAt.IsZero() {
		anchor.CreatedAt = time.Now().UTC()
	}
	for _, id := range anchor.RecordIDs {
		m.anchored[id] = anchor.ID
	}
	anchor.RecordIDs = append([]uuid.UUID(nil), anchor.RecordIDs...)
	m.anchors = append(m.anchors, anchor)
	return anchor, nil
}

// PendingAnchors lists anchors awaiting announcement confirmation, oldest first.
func (m *Memory) PendingAnchors(ctx context.Context) ([]Anchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Anchor, 0)
	for _, a := range m.anchors {
		if a.State == AnchorPending {
			out = append(out, a)
		}
	}
	return out, nil
}

// UpdateAnchorTx rewrites the announcement fields of anchor.ID.
func (m *Memory) UpdateAnchorTx(ctx context.Context, anchor Anchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := int(anchor.ID) - 1
	if idx < 0 || idx >= len(m.anchors) {
		return ErrNotFound
	}
	stored := &m.anchors[idx]
	stored.TxHash = anchor.TxHash
	stored.TxNonce = anchor.TxNonce
	stored.State = anchorState(anchor.State)
	stored.SentAt = anchor.SentAt
	return nil
}

// LatestAnchor returns the anchor with the greatest window end.
func (m *Memory) LatestAnchor(ctx context.Context) (Anchor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest Anchor
	found := false
	for _, a := range m.anchors {
		if !found || a.WindowEnd.After(latest.WindowEnd) {
			latest = a
			found = true
		}
	}
	return latest, found, nil
}

// TryAdvisoryLock emulates a non-blocking advisory lock within the process.
func (m *Memory) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	return func() {
		m.lockMu.Lock()
		delete(m.locks, key)
		m.lockMu.Unlock()
	}, true, nil
}

func (m *Memory) newest(limit int, keep func(Record) bool) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0)
	for i := len(m.records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if keep(m.records[i]) {
			out = append(out, cloneRecord(m.records[i]))
		}
	}
	return out
}

func (m *Memory) between(from, to time.Time, keep func(Record) bool) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0)
	for _, rec := range m.records {
		if rec.AcceptedAt.Before(from) || !rec.AcceptedAt.Before(to) {
			continue
		}
		if keep(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AcceptedAt.Before(out[j].AcceptedAt) })
	return out
}

func cloneRecord(rec Record) Record {
	rec.Signed.Signature = append([]byte(nil), rec.Signed.Signature...)
	return rec
}

var (
	_ RecordStore    = (*Memory)(nil)
	_ RecordReader   = (*Memory)(nil)
	_ AnchorStore    = (*Memory)(nil)
	_ AdvisoryLocker = (*Memory)(nil)
)
