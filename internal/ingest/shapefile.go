package ingest

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/permit-leads/internal/normalize"
)

// ReadShapefile reads the attribute table of a shapefile. Geometry is
// ignored. A .dbf path is resolved to its .shp sibling.
func ReadShapefile(path string) ([]normalize.RawRecord, error) {
	if strings.EqualFold(filepath.Ext(path), ".dbf") {
		path = strings.TrimSuffix(path, filepath.Ext(path)) + ".shp"
	}
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(err, "shapefile: stat %s", path)
	}

	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "shapefile: open %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.TrimRight(f.String(), "\x00")
	}

	var out []normalize.RawRecord
	for reader.Next() {
		rec := make(normalize.RawRecord, len(names))
		for i, name := range names {
			val := strings.TrimRight(reader.Attribute(i), "\x00")
			rec[name] = strings.TrimSpace(val)
		}
		out = append(out, rec)
	}
	return out, nil
}
