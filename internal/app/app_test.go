package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"intent-registry/internal/api"
	"intent-registry/internal/config"
	"intent-registry/internal/intent"
	"intent-registry/internal/storage"
	"intent-registry/internal/wallet"
)

func newTestApp(t *testing.T, cfg *config.Config) (*App, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func TestSignThenVerify(t *testing.T) {
	key, err := wallet.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	a, out := newTestApp(t, &config.Config{Wallet: config.WalletConfig{PrivateKey: key.PrivateKeyHex()}})

	err = a.Sign(context.Background(), SignOptions{
		Asset:          "ETH",
		Size:           "1.5",
		ReferencePrice: "2000",
		Direction:      "buy",
		Expiry:         time.Now().Add(time.Hour),
		Nonce:          "0x0000000000000000000000000000002a",
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var req api.IntentRequest
	if err := json.Unmarshal(out.Bytes(), &req); err != nil {
		t.Fatalf("decode signed intent: %v", err)
	}
	if !strings.EqualFold(req.Signer, key.Address().Hex()) || req.Direction != "BUY" {
		t.Fatalf("unexpected signed intent %+v", req)
	}

	path := filepath.Join(t.TempDir(), "signed.json")
	if err := os.WriteFile(path, out.Bytes(), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	out.Reset()
	if err := a.Verify(context.Background(), VerifyOptions{Input: path}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out.String(), key.Address().Hex()) {
		t.Fatalf("verify output missing signer: %s", out.String())
	}

	req.Size = "2"
	tampered, _ := json.Marshal(req)
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a.Verify(context.Background(), VerifyOptions{Input: path}); err == nil {
		t.Fatal("tampered intent must fail verification")
	}
}

func TestSignWithoutWallet(t *testing.T) {
	a, _ := newTestApp(t, &config.Config{})
	err := a.Sign(context.Background(), SignOptions{
		Asset: "ETH", Size: "1", ReferencePrice: "1", Direction: "SELL", Expiry: time.Now().Add(time.Hour),
	})
	if !errors.Is(err, wallet.ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestBuildIntentValidation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	base := SignOptions{Asset: "ETH", Size: "1.5", ReferencePrice: "2000", Direction: "BUY", Expiry: now.Add(time.Hour)}

	if _, err := buildIntent(base, now); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}

	cases := map[string]func(o *SignOptions){
		"expired":   func(o *SignOptions) { o.Expiry = now },
		"size":      func(o *SignOptions) { o.Size = "-1" },
		"price":     func(o *SignOptions) { o.ReferencePrice = "abc" },
		"direction": func(o *SignOptions) { o.Direction = "SIDEWAYS" },
		"asset":     func(o *SignOptions) { o.Asset = "" },
		"nonce":     func(o *SignOptions) { o.Nonce = "0x1" },
	}
	for name, mutate := range cases {
		opts := base
		mutate(&opts)
		_, err := buildIntent(opts, now)
		if err == nil {
			t.Errorf("%s: expected error", name)
		}
		if name != "nonce" && !errors.Is(err, intent.ErrInvalidIntent) {
			t.Errorf("%s: expected ErrInvalidIntent, got %v", name, err)
		}
	}
}

func TestKeygen(t *testing.T) {
	a, out := newTestApp(t, &config.Config{})
	if err := a.Keygen(context.Background()); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if !strings.Contains(out.String(), "address: 0x") || !strings.Contains(out.String(), "private_key: ") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestCommandsRequireDatabase(t *testing.T) {
	a, _ := newTestApp(t, &config.Config{})
	ctx := context.Background()

	if err := a.Show(ctx, ShowOptions{Limit: 5}); err == nil {
		t.Fatal("show without database or signer should fail")
	}
	if err := a.Export(ctx, ExportOptions{CSVPath: "out.csv"}); err == nil {
		t.Fatal("export without database should fail")
	}
	if err := a.Anchor(ctx, AnchorOptions{}); err == nil {
		t.Fatal("anchor without database should fail")
	}
	if err := a.Export(ctx, ExportOptions{}); err == nil {
		t.Fatal("export without outputs should fail")
	}
}

func TestCountByBucket(t *testing.T) {
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(3 * time.Hour)
	records := []storage.Record{
		{ID: uuid.New(), Status: storage.StatusAccepted, AcceptedAt: from.Add(10 * time.Minute)},
		{ID: uuid.New(), Status: storage.StatusRejected, Reason: storage.ReasonReplay, AcceptedAt: from.Add(20 * time.Minute)},
		{ID: uuid.New(), Status: storage.StatusAccepted, AcceptedAt: from.Add(2*time.Hour + time.Minute)},
		{ID: uuid.New(), Status: storage.StatusAccepted, AcceptedAt: to},
	}

	counts := countByBucket(records, from, to, time.Hour)
	if len(counts) != 3 {
		t.Fatalf("buckets = %d, want 3", len(counts))
	}
	if counts[0].Accepted != 1 || counts[0].Rejected != 1 || counts[1].Accepted != 0 || counts[2].Accepted != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestWidenBucket(t *testing.T) {
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(100 * time.Hour)

	if got := widenBucket(from, to, time.Hour, 200); got != time.Hour {
		t.Fatalf("bucket should stay at 1h, got %s", got)
	}
	got := widenBucket(from, to, time.Hour, 10)
	if got != 10*time.Hour {
		t.Fatalf("bucket = %s, want 10h", got)
	}
}

func TestAlignForward(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC)
	if got := alignForward(at, time.Hour); !got.Equal(time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("align = %s", got)
	}
	onHour := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if got := alignForward(onHour, time.Hour); !got.Equal(onHour) {
		t.Fatalf("aligned time must stay, got %s", got)
	}
}
