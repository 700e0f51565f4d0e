package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"intent-registry/internal/publish"
	"intent-registry/internal/scheduler"
	"intent-registry/internal/storage"
)

// Anchor publishes accepted records up to opts.End once, outside the scheduler.
func (a *App) Anchor(ctx context.Context, opts AnchorOptions) error {
	be, closeBackend, err := a.requireDurable(ctx, "anchor")
	if err != nil {
		return err
	}
	defer closeBackend()

	svc, err := a.newAnchorService(be)
	if err != nil {
		return err
	}

	end := opts.End
	if end.IsZero() {
		end = time.Now()
	}
	end = end.UTC()
	window := scheduler.Window{Start: end.Add(-a.Config.Anchor.Interval), End: end}

	anchor, ok, err := svc.AnchorWindow(ctx, window)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(a.Out, "nothing to anchor")
		return nil
	}

	fmt.Fprintf(a.Out, "window: %s .. %s\nrecords: %d\ndigest: %s\nfile: %s\n",
		anchor.WindowStart.Format(time.RFC3339), anchor.WindowEnd.Format(time.RFC3339),
		anchor.RecordCount, anchor.Digest.Hex(), anchor.FilePath)
	if anchor.CID != "" {
		fmt.Fprintf(a.Out, "cid: %s\n", anchor.CID)
	}
	if anchor.TxHash != "" {
		fmt.Fprintf(a.Out, "tx: %s (%s)\n", anchor.TxHash, anchor.State)
	}
	return nil
}

// AuditAnchor reads the latest anchor's announcement back from chain and
// checks it against the stored window and CID.
func (a *App) AuditAnchor(ctx context.Context) error {
	be, closeBackend, err := a.requireDurable(ctx, "audit anchors")
	if err != nil {
		return err
	}
	defer closeBackend()

	anchor, found, err := be.anchors.LatestAnchor(ctx)
	if err != nil {
		return err
	}
	if !found {
		return errors.New("no anchors recorded")
	}
	if anchor.TxHash == "" {
		return fmt.Errorf("anchor %d was not announced on chain", anchor.ID)
	}
	if anchor.State == storage.AnchorPending {
		return fmt.Errorf("anchor %d announcement %s is still pending", anchor.ID, anchor.TxHash)
	}

	auditor := publish.NewAuditor(publish.AuditOptions{
		RPCURL:          a.Config.Ethereum.RPCURL,
		ContractAddress: a.Config.Ethereum.ContractAddress,
		Timeout:         a.Config.Ethereum.RequestTimeout,
	}, a.Logger)

	announced, err := auditor.FetchAnnouncement(ctx, common.HexToHash(anchor.TxHash))
	if err != nil {
		return err
	}

	if announced.CID != anchor.Ref() ||
		announced.Start.Unix() != anchor.WindowStart.Unix() ||
		announced.End.Unix() != anchor.WindowEnd.Unix() {
		return fmt.Errorf("anchor %d does not match on-chain announcement (cid %s, window %s..%s)",
			anchor.ID, announced.CID, announced.Start.Format(time.RFC3339), announced.End.Format(time.RFC3339))
	}

	fmt.Fprintf(a.Out, "anchor %d verified in block %d\n", anchor.ID, announced.BlockNumber)
	return nil
}
