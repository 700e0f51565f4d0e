package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"intent-registry/internal/api"
	"intent-registry/internal/storage"
)

// Show prints recent records, from the database when configured and from a
// running registry otherwise.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	var signer common.Address
	if opts.Signer != "" {
		if !common.IsHexAddress(opts.Signer) {
			return fmt.Errorf("invalid signer address %q", opts.Signer)
		}
		signer = common.HexToAddress(opts.Signer)
	}

	records, err := a.loadRecords(ctx, opts, signer)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no records found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tStatus\tReason\tSigner\tAsset\tSide\tSize\tPrice\tNonce\tDetail")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.AcceptedAt.UTC().Format(time.RFC3339),
			rec.Status,
			rec.Reason,
			rec.Signer,
			rec.Intent.Asset,
			rec.Intent.Direction,
			rec.Intent.Size,
			rec.Intent.ReferencePrice,
			rec.Intent.Nonce,
			sanitizeInline(rec.Detail),
		)
	}

	return writer.Flush()
}

func (a *App) loadRecords(ctx context.Context, opts ShowOptions, signer common.Address) ([]api.RecordResponse, error) {
	if a.Config.Database.DSN == "" {
		if signer == (common.Address{}) {
			return nil, errors.New("database not configured; pass --signer to query a running registry")
		}
		return a.newClient().History(ctx, signer, opts.Limit)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	var records []storage.Record
	if signer != (common.Address{}) {
		records, err = store.ListBySigner(ctx, signer, opts.Limit)
	} else {
		records, err = store.ListRecent(ctx, opts.Limit)
	}
	if err != nil {
		return nil, err
	}

	out := make([]api.RecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, api.NewRecordResponse(rec))
	}
	return out, nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
