package export

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/permit-leads/internal/aggregate"
)

// CSVSink writes one file per bucket under Dir/<runID>/.
type CSVSink struct {
	Dir string
}

// Name implements Sink.
func (s *CSVSink) Name() string { return "csv" }

// Write implements Sink.
func (s *CSVSink) Write(ctx context.Context, runID string, buckets []aggregate.Bucket) (int, error) {
	dir := filepath.Join(s.Dir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, eris.Wrap(err, "csv: create dir")
	}

	written := 0
	for _, b := range buckets {
		if err := ctx.Err(); err != nil {
			return written, eris.Wrap(err, "csv: context cancelled")
		}
		n, err := writeBucketCSV(filepath.Join(dir, b.Key.Name()+".csv"), b)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func writeBucketCSV(path string, b aggregate.Bucket) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrapf(err, "csv: create %s", path)
	}
	defer f.Close() //nolint:errcheck

	w := csv.NewWriter(f)
	if err := w.Write(aggregate.Columns); err != nil {
		return 0, eris.Wrap(err, "csv: write header")
	}
	for _, l := range b.Leads {
		if err := w.Write(aggregate.Row(l)); err != nil {
			return 0, eris.Wrap(err, "csv: write row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, eris.Wrap(err, "csv: flush")
	}
	return len(b.Leads), nil
}
