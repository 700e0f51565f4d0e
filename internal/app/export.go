package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	chart "github.com/wcharczuk/go-chart/v2"

	"intent-registry/internal/storage"
)

// bucketCount tallies records processed within one chart bucket.
type bucketCount struct {
	Start    time.Time
	Accepted int
	Rejected int
}

// Export renders records as CSV and/or a PNG chart of outcomes per bucket.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	be, closeBackend, err := a.requireDurable(ctx, "export")
	if err != nil {
		return err
	}
	defer closeBackend()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	bucket := a.Config.Export.Bucket
	from := to.Add(-time.Duration(opts.MaxPoints) * bucket)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := be.reader.ListRecordsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no records found for export window")
		return nil
	}

	a.Logger.Info().Int("total", len(records)).Msg("exporting records")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, records); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		counts := countByBucket(records, from, to, widenBucket(from, to, bucket, opts.MaxPoints))
		if err := writeCountsPNG(opts.PNGPath, counts); err != nil {
			return err
		}
	}

	return nil
}

// widenBucket grows bucket until [from, to) spans at most maxPoints buckets.
func widenBucket(from, to time.Time, bucket time.Duration, maxPoints int) time.Duration {
	if bucket <= 0 {
		bucket = time.Hour
	}
	if maxPoints <= 0 {
		return bucket
	}
	span := to.Sub(from)
	if n := (span + bucket - 1) / bucket; int(n) > maxPoints {
		bucket = (span + time.Duration(maxPoints) - 1) / time.Duration(maxPoints)
	}
	return bucket
}

func countByBucket(records []storage.Record, from, to time.Time, bucket time.Duration) []bucketCount {
	n := int((to.Sub(from) + bucket - 1) / bucket)
	counts := make([]bucketCount, n)
	for i := range counts {
		counts[i].Start = from.Add(time.Duration(i) * bucket)
	}
	for _, rec := range records {
		at := rec.AcceptedAt.UTC()
		if at.Before(from) || !at.Before(to) {
			continue
		}
		idx := int(at.Sub(from) / bucket)
		if rec.Accepted() {
			counts[idx].Accepted++
		} else {
			counts[idx].Rejected++
		}
	}
	return counts
}

func writeRecordsCSV(path string, records []storage.Record) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"record_id", "processed_at", "status", "reason", "signer", "claimed_signer", "asset", "direction", "size", "reference_price", "expiry", "nonce", "signature", "detail"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		in := rec.Signed.Intent
		claimed := ""
		if rec.Signed.Signer != (common.Address{}) {
			claimed = rec.Signed.Signer.Hex()
		}
		row := []string{
			rec.ID.String(),
			rec.AcceptedAt.UTC().Format(time.RFC3339),
			string(rec.Status),
			string(rec.Reason),
			rec.Signer.Hex(),
			claimed,
			in.Asset(),
			in.Direction().String(),
			in.Size().String(),
			in.ReferencePrice().String(),
			strconv.FormatInt(in.Expiry(), 10),
			in.Nonce().String(),
			hexutil.Encode(rec.Signed.Signature),
			rec.Detail,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeCountsPNG(path string, counts []bucketCount) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(counts))
	accepted := make([]float64, len(counts))
	rejected := make([]float64, len(counts))
	for i, c := range counts {
		x[i] = c.Start
		accepted[i] = float64(c.Accepted)
		rejected[i] = float64(c.Rejected)
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Submissions",
			ValueFormatter: countFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Accepted",
				XValues: x,
				YValues: accepted,
			},
			chart.TimeSeries{
				Name:    "Rejected",
				XValues: x,
				YValues: rejected,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
