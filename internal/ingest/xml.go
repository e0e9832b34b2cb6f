package ingest

import (
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/permit-leads/internal/normalize"
)

// DefaultElement is the record element when none is configured.
const DefaultElement = "record"

// ReadXML collects every element named element. Each child element and
// attribute becomes one field. The declared encoding is honored; charset
// forces one when the declaration is missing or wrong.
func ReadXML(ctx context.Context, r io.Reader, element, charset string) ([]normalize.RawRecord, error) {
	if element == "" {
		element = DefaultElement
	}
	if charset != "" {
		var err error
		if r, err = decodeCharset(r, charset); err != nil {
			return nil, err
		}
	}

	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		if charset != "" {
			return input, nil
		}
		enc, err := htmlindex.Get(label)
		if err != nil {
			return nil, eris.Wrapf(err, "xml: unsupported charset %q", label)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	var out []normalize.RawRecord
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "xml: context cancelled")
		}

		tok, err := decoder.Token()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "xml: read token")
		}

		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != element {
			continue
		}

		var node xmlRecord
		if err := decoder.DecodeElement(&node, &se); err != nil {
			return nil, eris.Wrap(err, "xml: decode element")
		}
		out = append(out, node.record())
	}
}

type xmlRecord struct {
	Attrs  []xml.Attr `xml:",any,attr"`
	Fields []xmlField `xml:",any"`
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

func (n xmlRecord) record() normalize.RawRecord {
	rec := make(normalize.RawRecord, len(n.Attrs)+len(n.Fields))
	for _, a := range n.Attrs {
		rec[a.Name.Local] = strings.TrimSpace(a.Value)
	}
	for _, f := range n.Fields {
		rec[f.XMLName.Local] = strings.TrimSpace(f.Value)
	}
	return rec
}
