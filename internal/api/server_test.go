package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"intent-registry/internal/intent"
	"intent-registry/internal/registry"
	"intent-registry/internal/service"
	"intent-registry/internal/signer"
	"intent-registry/internal/storage"
	"intent-registry/internal/wallet"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	reg := registry.New(store, registry.Options{RequireSignerMatch: true}, zerolog.Nop())
	intake := service.NewIntake(reg, nil, zerolog.Nop())
	srv := NewServer(Options{AllowedOrigins: []string{"http://localhost:5173"}}, intake, nil, zerolog.Nop())
	return srv, store
}

func testSigned(t *testing.T, key *wallet.Key, expiry int64, nonce uint64) intent.SignedIntent {
	t.Helper()
	size, _ := intent.ParseAmount("1.5")
	price, _ := intent.ParseAmount("2000")
	in, err := intent.Reconstruct(intent.Params{
		Asset:          "ETH",
		Size:           size,
		ReferencePrice: price,
		Direction:      intent.Buy,
		Expiry:         expiry,
		Nonce:          intent.NonceFromUint64(nonce),
	})
	if err != nil {
		t.Fatalf("build intent: %v", err)
	}
	signed, err := signer.Sign(context.Background(), in, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func postIntent(t *testing.T, srv *Server, body any) (*httptest.ResponseRecorder, Response, RecordResponse) {
	t.Helper()
	raw, ok := body.([]byte)
	if !ok {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/intents", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var resp Response
	var rec RecordResponse
	resp.Data = &rec
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return w, resp, rec
}

func TestSubmitStatusMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	key, _ := wallet.GenerateKey()
	future := time.Now().Add(24 * time.Hour).Unix()

	signed := testSigned(t, key, future, 1)
	w, resp, rec := postIntent(t, srv, NewIntentRequest(signed))
	if w.Code != http.StatusCreated || !resp.Success || !rec.Accepted() {
		t.Fatalf("accepted: status=%d body=%s", w.Code, w.Body.String())
	}
	if !strings.EqualFold(rec.Signer, key.Address().Hex()) || rec.Intent.Size != "1.5" {
		t.Fatalf("unexpected record %+v", rec)
	}
	assertEnvelope(t, w, "accepted", "")

	w, resp, rec = postIntent(t, srv, NewIntentRequest(signed))
	if w.Code != http.StatusConflict || resp.Error == nil || resp.Error.Code != "Replay" || rec.Reason != "Replay" {
		t.Fatalf("replay: status=%d body=%s", w.Code, w.Body.String())
	}
	assertEnvelope(t, w, "rejected", "Replay")

	expired := testSigned(t, key, time.Now().Add(-time.Minute).Unix(), 2)
	w, _, rec = postIntent(t, srv, NewIntentRequest(expired))
	if w.Code != http.StatusUnprocessableEntity || rec.Reason != "Expired" {
		t.Fatalf("expired: status=%d body=%s", w.Code, w.Body.String())
	}

	tampered := NewIntentRequest(testSigned(t, key, future, 3))
	tampered.ReferencePrice = "2001"
	w, _, rec = postIntent(t, srv, tampered)
	if w.Code != http.StatusUnprocessableEntity || rec.Reason != "BadSignature" {
		t.Fatalf("bad signature: status=%d body=%s", w.Code, w.Body.String())
	}
}

// assertEnvelope checks the raw keys of a submission reply:
// {"success", "data": {"recordId", "status", "reason"}, "error"}.
func assertEnvelope(t *testing.T, w *httptest.ResponseRecorder, status, reason string) {
	t.Helper()
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if _, ok := raw["success"]; !ok {
		t.Fatalf("missing success key: %s", w.Body.String())
	}
	var data map[string]any
	if err := json.Unmarshal(raw["data"], &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	id, _ := data["recordId"].(string)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("data.recordId = %v: %s", data["recordId"], w.Body.String())
	}
	if data["status"] != status {
		t.Fatalf("data.status = %v, want %s", data["status"], status)
	}
	gotReason, _ := data["reason"].(string)
	if gotReason != reason {
		t.Fatalf("data.reason = %q, want %q", gotReason, reason)
	}
	_, hasError := raw["error"]
	if hasError != (status == "rejected") {
		t.Fatalf("error key present=%v for status %s", hasError, status)
	}
}

func TestSubmitInvalidIntent(t *testing.T) {
	srv, store := newTestServer(t)
	key, _ := wallet.GenerateKey()
	valid := NewIntentRequest(testSigned(t, key, time.Now().Add(time.Hour).Unix(), 1))

	cases := map[string]func(r *IntentRequest){
		"asset":     func(r *IntentRequest) { r.Asset = "ET H" },
		"size":      func(r *IntentRequest) { r.Size = "0" },
		"precision": func(r *IntentRequest) { r.Size = "0.000000001" },
		"direction": func(r *IntentRequest) { r.Direction = "HOLD" },
		"nonce":     func(r *IntentRequest) { r.Nonce = "0x01" },
		"signature": func(r *IntentRequest) { r.Signature = "zz" },
		"signer":    func(r *IntentRequest) { r.Signer = "bob" },
	}
	for name, mutate := range cases {
		req := valid
		mutate(&req)
		w, resp, _ := postIntent(t, srv, req)
		if w.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != "InvalidIntent" {
			t.Errorf("%s: status=%d body=%s", name, w.Code, w.Body.String())
		}
	}

	w, _, _ := postIntent(t, srv, []byte(`{"asset":`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: status=%d", w.Code)
	}

	accepted, rejected, _ := store.CountRecords(context.Background())
	if accepted+rejected != 0 {
		t.Fatal("invalid intents must not be recorded")
	}
}

type failingRegistry struct{}

func (failingRegistry) Submit(ctx context.Context, signed intent.SignedIntent) (storage.Record, error) {
	return storage.Record{}, fmt.Errorf("%w: connection refused", registry.ErrStorage)
}

func (failingRegistry) Lookup(ctx context.Context, id uuid.UUID) (storage.Record, error) {
	return storage.Record{}, errors.New("connection refused")
}

func (failingRegistry) History(ctx context.Context, signer common.Address, limit int) ([]storage.Record, error) {
	return nil, errors.New("connection refused")
}

type downStore struct{}

func (downStore) Ping(ctx context.Context) error { return errors.New("database unreachable") }

func TestStorageFailures(t *testing.T) {
	srv := NewServer(Options{}, failingRegistry{}, downStore{}, zerolog.Nop())
	key, _ := wallet.GenerateKey()

	w, _, _ := postIntent(t, srv, NewIntentRequest(testSigned(t, key, time.Now().Add(time.Hour).Unix(), 1)))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("submit: status=%d", w.Code)
	}

	for _, path := range []string{"/healthz", "/v1/records/" + uuid.NewString()} {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: status=%d", path, w.Code)
		}
	}
}

func TestReadEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	key, _ := wallet.GenerateKey()
	future := time.Now().Add(time.Hour).Unix()
	_, _, first := postIntent(t, srv, NewIntentRequest(testSigned(t, key, future, 1)))
	postIntent(t, srv, NewIntentRequest(testSigned(t, key, future, 2)))

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	if w := get("/v1/records/" + first.RecordID); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), first.RecordID) {
		t.Fatalf("get record: %d %s", w.Code, w.Body.String())
	}
	if w := get("/v1/records/" + uuid.NewString()); w.Code != http.StatusNotFound {
		t.Fatalf("missing record: %d", w.Code)
	}
	if w := get("/v1/records/not-a-uuid"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", w.Code)
	}

	w := get("/v1/signers/" + strings.ToLower(key.Address().Hex()) + "/records?limit=1")
	var resp struct {
		Data []RecordResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || w.Code != http.StatusOK || len(resp.Data) != 1 {
		t.Fatalf("history: %d %s", w.Code, w.Body.String())
	}
	if w := get("/v1/signers/nobody/records"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad address: %d", w.Code)
	}
	if w := get("/v1/signers/" + key.Address().Hex() + "/records?limit=-1"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", w.Code)
	}
	if w := get("/healthz"); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/intents", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestClientRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	client := NewClient(httpSrv.URL, time.Second)
	key, _ := wallet.GenerateKey()
	signed := testSigned(t, key, time.Now().Add(time.Hour).Unix(), 9)
	ctx := context.Background()

	rec, err := client.Submit(ctx, signed)
	if err != nil || !rec.Accepted() {
		t.Fatalf("submit: %v %+v", err, rec)
	}
	replay, err := client.Submit(ctx, signed)
	if err != nil || replay.Reason != "Replay" {
		t.Fatalf("replay: %v %+v", err, replay)
	}

	id, _ := uuid.Parse(rec.RecordID)
	got, err := client.GetRecord(ctx, id)
	if err != nil || got.RecordID != rec.RecordID {
		t.Fatalf("get record: %v", err)
	}

	var apiErr *APIError
	if _, err := client.GetRecord(ctx, uuid.New()); !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}

	history, err := client.History(ctx, key.Address(), 10)
	if err != nil || len(history) != 2 {
		t.Fatalf("history: %d %v", len(history), err)
	}

	roundTrip, err := NewIntentRequest(signed).SignedIntent()
	if err != nil || roundTrip.Intent != signed.Intent || !bytes.Equal(roundTrip.Signature, signed.Signature) {
		t.Fatalf("wire round trip mismatch: %v", err)
	}
}

func TestClientUnavailable(t *testing.T) {
	httpSrv := httptest.NewServer(NewServer(Options{}, failingRegistry{}, nil, zerolog.Nop()).Handler())
	defer httpSrv.Close()

	key, _ := wallet.GenerateKey()
	_, err := NewClient(httpSrv.URL, time.Second).Submit(context.Background(), testSigned(t, key, time.Now().Add(time.Hour).Unix(), 1))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
