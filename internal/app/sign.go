package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"intent-registry/internal/api"
	"intent-registry/internal/canonical"
	"intent-registry/internal/intent"
	"intent-registry/internal/signer"
	"intent-registry/internal/verifier"
	"intent-registry/internal/wallet"
)

// Sign builds an intent, signs it with the configured wallet and prints the
// signed intent as JSON. With Submit set it is also posted to the registry.
func (a *App) Sign(ctx context.Context, opts SignOptions) error {
	in, err := buildIntent(opts, time.Now())
	if err != nil {
		return err
	}

	w, closeWallet, err := a.openWallet(ctx)
	if err != nil {
		return fmt.Errorf("open wallet: %w", err)
	}
	defer closeWallet()

	signed, err := signer.Sign(ctx, in, w)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("signer", signed.Signer.Hex()).Str("digest", canonical.Hash(in).Hex()).Msg("intent signed")

	if err := writeJSON(a.Out, api.NewIntentRequest(signed)); err != nil {
		return err
	}
	if !opts.Submit {
		return nil
	}

	rec, err := a.newClient().Submit(ctx, signed)
	if err != nil {
		return fmt.Errorf("submit intent: %w", err)
	}
	if err := writeJSON(a.Out, rec); err != nil {
		return err
	}
	if !rec.Accepted() {
		return fmt.Errorf("intent rejected: %s", rec.Reason)
	}
	return nil
}

func buildIntent(opts SignOptions, now time.Time) (intent.Intent, error) {
	size, err := intent.ParseAmount(opts.Size)
	if err != nil {
		return intent.Intent{}, &intent.ValidationError{Field: "size", Reason: err.Error()}
	}
	price, err := intent.ParseAmount(opts.ReferencePrice)
	if err != nil {
		return intent.Intent{}, &intent.ValidationError{Field: "referencePrice", Reason: err.Error()}
	}
	direction, err := intent.ParseDirection(opts.Direction)
	if err != nil {
		return intent.Intent{}, err
	}

	var nonce intent.Nonce
	if opts.Nonce != "" {
		nonce, err = intent.ParseNonce(opts.Nonce)
	} else {
		nonce, err = intent.NewNonce()
	}
	if err != nil {
		return intent.Intent{}, err
	}

	return intent.New(intent.Params{
		Asset:          opts.Asset,
		Size:           size,
		ReferencePrice: price,
		Direction:      direction,
		Expiry:         opts.Expiry.Unix(),
		Nonce:          nonce,
	}, now)
}

// Verify checks the signature of a signed intent JSON document without
// touching the registry.
func (a *App) Verify(ctx context.Context, opts VerifyOptions) error {
	data, err := readInput(opts.Input)
	if err != nil {
		return err
	}

	var req api.IntentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decode signed intent: %w", err)
	}
	signed, err := req.SignedIntent()
	if err != nil {
		return err
	}

	var expected *common.Address
	if req.Signer != "" {
		expected = &signed.Signer
	}
	recovered, err := verifier.Verify(signed, expected)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "valid signature\nsigner: %s\ndigest: %s\nexpired: %t\n",
		recovered.Hex(), canonical.Hash(signed.Intent).Hex(), signed.Intent.ExpiredAt(time.Now()))
	return nil
}

// Keygen creates a fresh signing key and prints it.
func (a *App) Keygen(ctx context.Context) error {
	key, err := wallet.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "address: %s\nprivate_key: %s\n", key.Address().Hex(), key.PrivateKeyHex())
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(strings.TrimSpace(path))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
