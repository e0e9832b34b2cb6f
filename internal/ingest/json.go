package ingest

import (
	"context"
	"encoding/json"
	"io"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/permit-leads/internal/normalize"
)

// ReadJSON decodes a top-level array of flat objects. Scalars are
// stringified; nested values are kept as compact JSON text.
func ReadJSON(ctx context.Context, r io.Reader) ([]normalize.RawRecord, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()

	tok, err := decoder.Token()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "json: read opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, eris.Errorf("json: expected '[', got %v", tok)
	}

	var out []normalize.RawRecord
	for decoder.More() {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "json: context cancelled")
		}

		var obj map[string]any
		if err := decoder.Decode(&obj); err != nil {
			return nil, eris.Wrap(err, "json: decode element")
		}

		rec := make(normalize.RawRecord, len(obj))
		for k, v := range obj {
			rec[k] = stringify(v)
		}
		out = append(out, rec)
	}

	if _, err := decoder.Token(); err != nil && err != io.EOF {
		return nil, eris.Wrap(err, "json: read closing token")
	}
	return out, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
