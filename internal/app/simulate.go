package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"intent-registry/internal/intent"
	"intent-registry/internal/registry"
	"intent-registry/internal/service"
	"intent-registry/internal/signer"
	"intent-registry/internal/storage"
	"intent-registry/internal/wallet"
)

// SimulateAlert pushes a forged submission through an in-memory registry so
// the configured alert channel fires exactly as it would in production.
func (a *App) SimulateAlert(ctx context.Context) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	victim, err := wallet.GenerateKey()
	if err != nil {
		return err
	}
	forger, err := wallet.GenerateKey()
	if err != nil {
		return err
	}

	size, _ := intent.ParseAmount("1")
	price, _ := intent.ParseAmount("1")
	nonce, err := intent.NewNonce()
	if err != nil {
		return err
	}
	now := time.Now()
	in, err := intent.New(intent.Params{
		Asset:          "SIMULATED",
		Size:           size,
		ReferencePrice: price,
		Direction:      intent.Buy,
		Expiry:         now.Add(time.Hour).Unix(),
		Nonce:          nonce,
	}, now)
	if err != nil {
		return err
	}

	signed, err := signer.Sign(ctx, in, forger)
	if err != nil {
		return err
	}
	signed.Signer = victim.Address()

	reg := registry.New(storage.NewMemory(), registry.Options{RequireSignerMatch: true}, zerolog.Nop())
	intake := service.NewIntake(reg, notifier, a.Logger)
	rec, err := intake.Submit(ctx, signed)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "simulated submission %s rejected with %s\n", rec.ID, rec.Reason)
	return nil
}
