package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/permit-leads/internal/aggregate"
)

// maxSheetName is Excel's sheet-name limit.
const maxSheetName = 31

// sheetForbidden are the characters Excel rejects in sheet names.
const sheetForbidden = `[]:*?/\`

// XLSXSink writes one workbook per run with a sheet per bucket.
type XLSXSink struct {
	Dir string
}

// Name implements Sink.
func (s *XLSXSink) Name() string { return "xlsx" }

// Write implements Sink. The workbook is Dir/<runID>.xlsx.
func (s *XLSXSink) Write(ctx context.Context, runID string, buckets []aggregate.Bucket) (int, error) {
	if len(buckets) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return 0, eris.Wrap(err, "xlsx: create dir")
	}

	f := xlsx.NewFile()
	used := make(map[string]struct{}, len(buckets))
	written := 0
	for _, b := range buckets {
		if err := ctx.Err(); err != nil {
			return 0, eris.Wrap(err, "xlsx: context cancelled")
		}
		sheet, err := f.AddSheet(sheetName(b.Key.Name(), used))
		if err != nil {
			return 0, eris.Wrapf(err, "xlsx: add sheet %s", b.Key.Name())
		}
		sheet.AddRow().WriteSlice(&aggregate.Columns, -1)
		for _, l := range b.Leads {
			cells := aggregate.Row(l)
			sheet.AddRow().WriteSlice(&cells, -1)
		}
		written += len(b.Leads)
	}

	path := filepath.Join(s.Dir, runID+".xlsx")
	if err := f.Save(path); err != nil {
		return 0, eris.Wrapf(err, "xlsx: save %s", path)
	}
	return written, nil
}

// sheetName fits name into an Excel sheet name that is not yet in used.
// The trailing tier segment survives truncation, and a "~N" counter goes
// in front of it when two names still collide.
func sheetName(name string, used map[string]struct{}) string {
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(sheetForbidden, r) {
			return '_'
		}
		return r
	}, name)

	var tail string
	if i := strings.LastIndex(name, "_"); i > 0 && len(name)-i <= 3 {
		name, tail = name[:i], name[i:]
	}

	for n := 1; ; n++ {
		suffix := tail
		if n > 1 {
			suffix = fmt.Sprintf("~%d%s", n, tail)
		}
		base := name
		if len(base)+len(suffix) > maxSheetName {
			base = base[:maxSheetName-len(suffix)]
		}
		candidate := base + suffix
		key := strings.ToLower(candidate)
		if _, taken := used[key]; !taken {
			used[key] = struct{}{}
			return candidate
		}
	}
}
