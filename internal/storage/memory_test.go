package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"intent-registry/internal/intent"
)

var testSigner = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func testRecord(t *testing.T, nonce uint64, status Status, at time.Time) Record {
	t.Helper()
	in, err := intent.Reconstruct(intent.Params{
		Asset:          "ETH",
		Size:           1,
		ReferencePrice: 1,
		Direction:      intent.Sell,
		Expiry:         at.Unix() + 60,
		Nonce:          intent.NonceFromUint64(nonce),
	})
	if err != nil {
		t.Fatalf("build intent: %v", err)
	}
	rec := Record{
		ID:         uuid.New(),
		Signed:     intent.SignedIntent{Intent: in, Signer: testSigner, Signature: make([]byte, 65)},
		Signer:     testSigner,
		Status:     status,
		AcceptedAt: at,
	}
	if status == StatusRejected {
		rec.Reason = ReasonExpired
	}
	return rec
}

func TestMemoryAppendEnforcesAcceptedUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Unix(1_700_000_000, 0).UTC()

	if err := m.Append(ctx, testRecord(t, 1, StatusRejected, now)); err != nil {
		t.Fatalf("append rejected: %v", err)
	}
	if err := m.Append(ctx, testRecord(t, 1, StatusAccepted, now)); err != nil {
		t.Fatalf("rejected record must not occupy the slot: %v", err)
	}
	if err := m.Append(ctx, testRecord(t, 1, StatusAccepted, now)); !errors.Is(err, ErrDuplicateAccepted) {
		t.Fatalf("expected ErrDuplicateAccepted, got %v", err)
	}
	if err := m.Append(ctx, testRecord(t, 1, StatusRejected, now)); err != nil {
		t.Fatalf("rejections are always appended: %v", err)
	}

	accepted, rejected, _ := m.CountRecords(ctx)
	if accepted != 1 || rejected != 2 {
		t.Fatalf("counts = %d/%d, want 1/2", accepted, rejected)
	}
}

func TestMemoryConcurrentAppendSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Unix(1_700_000_000, 0).UTC()

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Append(ctx, testRecord(t, 7, StatusAccepted, now)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestMemoryQueries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Unix(1_700_000_000, 0).UTC()

	first := testRecord(t, 1, StatusAccepted, base)
	second := testRecord(t, 2, StatusRejected, base.Add(time.Minute))
	third := testRecord(t, 3, StatusAccepted, base.Add(2*time.Minute))
	for _, rec := range []Record{first, second, third} {
		if err := m.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := m.GetRecord(ctx, second.ID)
	if err != nil || got.ID != second.ID {
		t.Fatalf("GetRecord = %v, %v", got.ID, err)
	}
	if _, err := m.GetRecord(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	recent, _ := m.ListRecent(ctx, 2)
	if len(recent) != 2 || recent[0].ID != third.ID {
		t.Fatalf("ListRecent should return newest first")
	}

	accepted, _ := m.ListAcceptedBetween(ctx, base, base.Add(2*time.Minute))
	if len(accepted) != 1 || accepted[0].ID != first.ID {
		t.Fatalf("ListAcceptedBetween must be half-open and skip rejections: %d", len(accepted))
	}

	all, _ := m.ListRecordsBetween(ctx, base, base.Add(time.Hour))
	if len(all) != 3 {
		t.Fatalf("ListRecordsBetween = %d, want 3", len(all))
	}

	bySigner, _ := m.ListBySigner(ctx, testSigner, 0)
	if len(bySigner) != 3 {
		t.Fatalf("ListBySigner = %d, want 3", len(bySigner))
	}
}

func TestMemoryAnchorsAndLocks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Unix(1_700_000_000, 0).UTC()

	if _, ok, _ := m.LatestAnchor(ctx); ok {
		t.Fatal("empty store has no anchor")
	}
	for i := 1; i <= 2; i++ {
		if _, err := m.InsertAnchor(ctx, Anchor{WindowEnd: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("insert anchor: %v", err)
		}
	}
	latest, ok, _ := m.LatestAnchor(ctx)
	if !ok || !latest.WindowEnd.Equal(base.Add(2*time.Minute)) || latest.ID != 2 {
		t.Fatalf("unexpected latest anchor %+v", latest)
	}

	unlock, acquired, _ := m.TryAdvisoryLock(ctx, 1)
	if !acquired {
		t.Fatal("first lock should succeed")
	}
	if _, again, _ := m.TryAdvisoryLock(ctx, 1); again {
		t.Fatal("lock must be exclusive")
	}
	unlock()
	if _, again, _ := m.TryAdvisoryLock(ctx, 1); !again {
		t.Fatal("lock should be free after unlock")
	}
}

func TestMemoryUnanchoredAndPending(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Unix(1_700_000_000, 0).UTC()

	early := testRecord(t, 1, StatusAccepted, base)
	late := testRecord(t, 2, StatusAccepted, base.Add(-time.Second))
	for _, rec := range []Record{early, testRecord(t, 3, StatusRejected, base)} {
		if err := m.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	open, _ := m.ListUnanchored(ctx, base.Add(time.Minute))
	if len(open) != 1 || open[0].ID != early.ID {
		t.Fatalf("expected only the accepted record, got %d", len(open))
	}
	anchor, err := m.InsertAnchor(ctx, Anchor{WindowEnd: base.Add(time.Minute), RecordIDs: []uuid.UUID{early.ID}, State: AnchorPending})
	if err != nil {
		t.Fatalf("insert anchor: %v", err)
	}
	if _, err := m.InsertAnchor(ctx, Anchor{WindowEnd: base.Add(2 * time.Minute), RecordIDs: []uuid.UUID{early.ID}}); !errors.Is(err, ErrAlreadyAnchored) {
		t.Fatalf("expected ErrAlreadyAnchored, got %v", err)
	}

	// Committed after the anchor although stamped inside its window.
	if err := m.Append(ctx, late); err != nil {
		t.Fatalf("append late: %v", err)
	}
	open, _ = m.ListUnanchored(ctx, base.Add(time.Minute))
	if len(open) != 1 || open[0].ID != late.ID {
		t.Fatalf("late record must stay unanchored, got %d", len(open))
	}

	pending, _ := m.PendingAnchors(ctx)
	if len(pending) != 1 || pending[0].ID != anchor.ID {
		t.Fatalf("expected one pending anchor, got %+v", pending)
	}
	anchor.State = AnchorConfirmed
	anchor.TxHash = "0xabc"
	if err := m.UpdateAnchorTx(ctx, anchor); err != nil {
		t.Fatalf("update anchor: %v", err)
	}
	if pending, _ = m.PendingAnchors(ctx); len(pending) != 0 {
		t.Fatal("confirmed anchor must leave the pending list")
	}
	if err := m.UpdateAnchorTx(ctx, Anchor{ID: 42}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
