package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

func TestKeySignMessageRecovers(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	msg := []byte("hello intents")
	sig, err := key.SignMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d", len(sig))
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Fatalf("v = %d, want 27 or 28", v)
	}

	normalized := append([]byte(nil), sig...)
	normalized[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != key.Address() {
		t.Fatal("recovered address does not match key")
	}
}

func TestKeyFromHexRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	loaded, err := NewKeyFromHex("0x" + key.PrivateKeyHex())
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if loaded.Address() != key.Address() {
		t.Fatal("address mismatch after reload")
	}
	if _, err := NewKeyFromHex("not-hex"); err == nil {
		t.Fatal("invalid hex should fail")
	}
}

func TestKeyHonoursCancellation(t *testing.T) {
	key, _ := GenerateKey()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := key.SignMessage(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeWalletServer emulates a JSON-RPC wallet. handler returns either a result or an error code.
func fakeWalletServer(t *testing.T, handler func(req rpcRequest) (any, int)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode rpc request: %v", err)
		}
		result, code := handler(req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if code != 0 {
			resp["error"] = map[string]any{"code": code, "message": "wallet error"}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestRPCWalletSignsWithKeyBackend(t *testing.T) {
	key, _ := GenerateKey()
	srv := fakeWalletServer(t, func(req rpcRequest) (any, int) {
		switch req.Method {
		case "eth_requestAccounts":
			return nil, codeMethodNotFound
		case "eth_accounts":
			return []string{key.Address().Hex()}, 0
		case "personal_sign":
			var data hexutil.Bytes
			if err := json.Unmarshal(req.Params[0], &data); err != nil {
				t.Fatalf("decode personal_sign data: %v", err)
			}
			sig, err := key.SignMessage(context.Background(), data)
			if err != nil {
				t.Fatalf("backend sign: %v", err)
			}
			return hexutil.Encode(sig), 0
		}
		return nil, codeMethodNotFound
	})
	defer srv.Close()

	w, err := DialRPC(context.Background(), RPCOptions{URL: srv.URL}, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer w.Close()

	accts, err := w.RequestAccounts(context.Background())
	if err != nil {
		t.Fatalf("request accounts: %v", err)
	}
	if len(accts) != 1 || accts[0] != key.Address() {
		t.Fatalf("unexpected accounts %v", accts)
	}

	sig, err := w.SignMessage(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	want, _ := key.SignMessage(context.Background(), []byte("payload"))
	if hexutil.Encode(sig) != hexutil.Encode(want) {
		t.Fatal("rpc signature differs from backend signature")
	}
}

func TestRPCWalletUserRejected(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	srv := fakeWalletServer(t, func(req rpcRequest) (any, int) {
		return nil, codeUserRejected
	})
	defer srv.Close()

	w, err := DialRPC(context.Background(), RPCOptions{URL: srv.URL, Account: account}, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer w.Close()

	if _, err := w.SignMessage(context.Background(), []byte("payload")); !errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected ErrUserRejected, got %v", err)
	}
}

func TestRPCWalletNoAccounts(t *testing.T) {
	srv := fakeWalletServer(t, func(req rpcRequest) (any, int) {
		return []string{}, 0
	})
	defer srv.Close()

	w, err := DialRPC(context.Background(), RPCOptions{URL: srv.URL}, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer w.Close()

	if _, err := w.ActiveSigner(context.Background()); !errors.Is(err, ErrNoAccounts) {
		t.Fatalf("expected ErrNoAccounts, got %v", err)
	}
}

func TestDialRPCRequiresURL(t *testing.T) {
	if _, err := DialRPC(context.Background(), RPCOptions{}, zerolog.Nop()); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}
