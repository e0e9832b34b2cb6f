package ingest

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/permit-leads/internal/normalize"
)

// readZIP extracts the archive to a temp dir and reads the one data file
// inside. A shapefile wins over other members; otherwise the archive must
// hold exactly one readable file.
func readZIP(ctx context.Context, path string, opts Options) ([]normalize.RawRecord, error) {
	dir, err := os.MkdirTemp("", "permit-leads-zip-*")
	if err != nil {
		return nil, eris.Wrap(err, "zip: create temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	files, err := ExtractZIP(path, dir)
	if err != nil {
		return nil, err
	}

	target, err := pickMember(files)
	if err != nil {
		return nil, eris.Wrapf(err, "zip: %s", filepath.Base(path))
	}

	inner := opts
	inner.Format = ""
	return ReadFile(ctx, target, inner)
}

func pickMember(files []string) (string, error) {
	var candidates []string
	for _, f := range files {
		format, err := DetectFormat(f)
		if err != nil || format == FormatZIP {
			continue
		}
		if format == FormatShapefile && strings.EqualFold(filepath.Ext(f), ".shp") {
			return f, nil
		}
		if format == FormatShapefile {
			continue
		}
		candidates = append(candidates, f)
	}
	if len(candidates) != 1 {
		return "", eris.Errorf("expected exactly 1 data file, got %d", len(candidates))
	}
	return candidates[0], nil
}

// ExtractZIP extracts all files to destDir and returns their paths.
func ExtractZIP(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var extracted []string
	for _, f := range r.File {
		path, err := extractEntry(f, destDir)
		if err != nil {
			return extracted, err
		}
		if path != "" {
			extracted = append(extracted, path)
		}
	}
	return extracted, nil
}

func extractEntry(f *zip.File, destDir string) (string, error) {
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("zip: illegal path %q", f.Name)
	}

	if f.FileInfo().IsDir() {
		if err := os.MkdirAll(destPath, 0o755); err != nil {
			return "", eris.Wrap(err, "zip: create directory")
		}
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "zip: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrap(err, "zip: open entry")
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "zip: create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return "", eris.Wrap(err, "zip: write file")
	}
	return destPath, nil
}
