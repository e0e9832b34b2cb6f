package normalize

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/permit-leads/internal/model"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"01/02/2006 15:04",
	"1/2/2006 3:04:05 PM",
	"Jan 2, 2006",
	"January 2, 2006",
	"02-Jan-2006",
	"20060102",
}

// ParseDate accepts the date layouts seen across permit portals and
// assessor exports. The result is truncated to a UTC calendar date.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, eris.Errorf("normalize: unrecognized date %q", s)
}

// ParseMoney parses "$1,250,000.00" style values. Negative amounts are
// rejected.
func ParseMoney(s string) (float64, error) {
	clean := strings.NewReplacer("$", "", ",", "", " ", "", "USD", "").Replace(strings.ToUpper(s))
	if strings.HasPrefix(clean, "(") && strings.HasSuffix(clean, ")") {
		return 0, eris.Errorf("normalize: negative amount %q", s)
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "normalize: parse amount %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, eris.Errorf("normalize: invalid amount %q", s)
	}
	if v < 0 {
		return 0, eris.Errorf("normalize: negative amount %q", s)
	}
	return v, nil
}

var partyPlaceholders = map[string]bool{
	"":        true,
	"N/A":     true,
	"NA":      true,
	"NONE":    true,
	"UNKNOWN": true,
	"-":       true,
	"--":      true,
	"NULL":    true,
	"TBD":     true,
}

// PartyName cleans an owner or contractor name, substituting
// model.Unknown for blanks and placeholders.
func PartyName(s string) string {
	s = collapseSpaces(foldText(s))
	if partyPlaceholders[strings.ToUpper(s)] {
		return model.Unknown
	}
	return s
}
