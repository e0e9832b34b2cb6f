// Package ingest reads adapter output files into raw key/value records.
// It knows file formats, not permit semantics: column names pass through
// untouched and are resolved later by the normalizer.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/permit-leads/internal/normalize"
)

// Format is an input file format.
type Format string

const (
	FormatCSV       Format = "csv"
	FormatXLSX      Format = "xlsx"
	FormatJSON      Format = "json"
	FormatXML       Format = "xml"
	FormatShapefile Format = "shp"
	FormatZIP       Format = "zip"
)

// Options control how a file is read. Zero values are fine for most files.
type Options struct {
	// Format overrides detection by extension.
	Format Format `yaml:"format" mapstructure:"format"`
	// Sheet selects an XLSX sheet by name; default is the first sheet.
	Sheet string `yaml:"sheet" mapstructure:"sheet"`
	// Delimiter for CSV; default ',' (or tab for .tsv).
	Delimiter string `yaml:"delimiter" mapstructure:"delimiter"`
	// Charset of CSV/XML input when not UTF-8, e.g. "windows-1252".
	Charset string `yaml:"charset" mapstructure:"charset"`
	// Element is the repeating XML element holding one record.
	Element string `yaml:"element" mapstructure:"element"`
}

// DetectFormat infers the format from a file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv", ".txt":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".json":
		return FormatJSON, nil
	case ".xml":
		return FormatXML, nil
	case ".shp", ".dbf":
		return FormatShapefile, nil
	case ".zip":
		return FormatZIP, nil
	}
	return "", eris.Errorf("ingest: cannot detect format of %s", path)
}

// ReadFile reads every record in path.
func ReadFile(ctx context.Context, path string, opts Options) ([]normalize.RawRecord, error) {
	format := opts.Format
	if format == "" {
		f, err := DetectFormat(path)
		if err != nil {
			return nil, err
		}
		format = f
	}

	log := zap.L().With(zap.String("component", "ingest"), zap.String("path", path))

	var (
		recs []normalize.RawRecord
		err  error
	)
	switch format {
	case FormatCSV:
		recs, err = readCSVFile(ctx, path, opts)
	case FormatXLSX:
		recs, err = ReadXLSX(path, opts.Sheet)
	case FormatJSON:
		recs, err = readWith(path, func(f *os.File) ([]normalize.RawRecord, error) { return ReadJSON(ctx, f) })
	case FormatXML:
		recs, err = readWith(path, func(f *os.File) ([]normalize.RawRecord, error) {
			return ReadXML(ctx, f, opts.Element, opts.Charset)
		})
	case FormatShapefile:
		recs, err = ReadShapefile(path)
	case FormatZIP:
		recs, err = readZIP(ctx, path, opts)
	default:
		return nil, eris.Errorf("ingest: unsupported format %q", format)
	}
	if err != nil {
		return nil, err
	}

	log.Info("ingest: read records", zap.String("format", string(format)), zap.Int("records", len(recs)))
	return recs, nil
}

func readWith(path string, fn func(*os.File) ([]normalize.RawRecord, error)) ([]normalize.RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return fn(f)
}

func readCSVFile(ctx context.Context, path string, opts Options) ([]normalize.RawRecord, error) {
	if opts.Delimiter == "" && strings.EqualFold(filepath.Ext(path), ".tsv") {
		opts.Delimiter = "\t"
	}
	return readWith(path, func(f *os.File) ([]normalize.RawRecord, error) { return ReadCSV(ctx, f, opts) })
}

// fromRows pairs a header row with data rows. Blank header cells get a
// positional name; fully blank rows are skipped.
func fromRows(header []string, rows [][]string) []normalize.RawRecord {
	keys := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			h = "column_" + strconv.Itoa(i+1)
		}
		keys[i] = h
	}

	out := make([]normalize.RawRecord, 0, len(rows))
	for _, row := range rows {
		rec := make(normalize.RawRecord, len(keys))
		blank := true
		for i, k := range keys {
			if i >= len(row) {
				break
			}
			v := strings.TrimSpace(row[i])
			if v != "" {
				blank = false
			}
			rec[k] = v
		}
		if !blank {
			out = append(out, rec)
		}
	}
	return out
}
