package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// unitDesignators are tokens that introduce a secondary unit.
var unitDesignators = map[string]string{
	"APT":       "APT",
	"APARTMENT": "APT",
	"UNIT":      "UNIT",
	"STE":       "STE",
	"SUITE":     "STE",
	"BLDG":      "BLDG",
	"BUILDING":  "BLDG",
	"LOT":       "LOT",
	"SPC":       "SPC",
	"SPACE":     "SPC",
}

// streetSuffixes holds USPS standard abbreviations for common suffixes.
var streetSuffixes = map[string]string{
	"STREET":    "ST",
	"AVENUE":    "AVE",
	"AV":        "AVE",
	"DRIVE":     "DR",
	"ROAD":      "RD",
	"LANE":      "LN",
	"BOULEVARD": "BLVD",
	"COURT":     "CT",
	"CIRCLE":    "CIR",
	"PLACE":     "PL",
	"PARKWAY":   "PKWY",
	"TRAIL":     "TRL",
	"HIGHWAY":   "HWY",
	"TERRACE":   "TER",
	"COVE":      "CV",
	"WAY":       "WAY",
}

// CanonicalAddress uppercases an address, folds diacritics, strips the
// punctuation around unit suffixes ("APT. 4" -> "APT 4", "#4" -> "UNIT 4")
// and collapses whitespace.
func CanonicalAddress(s string) string {
	s = strings.ToUpper(foldText(s))
	s = strings.NewReplacer(".", " ", ",", " ", "#", " # ").Replace(s)

	tokens := strings.Fields(s)
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok != "#" {
			out = append(out, tok)
			continue
		}
		if len(out) > 0 {
			if _, ok := unitDesignators[out[len(out)-1]]; ok {
				continue
			}
		}
		out = append(out, "UNIT")
	}
	return strings.Join(out, " ")
}

// MergeAddress is the address half of a merge key: the canonical address
// with standard suffix and unit abbreviations applied. Matching on it is
// exact; no fuzzy comparison happens anywhere.
func MergeAddress(s string) string {
	tokens := strings.Fields(CanonicalAddress(s))
	for i, tok := range tokens {
		if i == 0 {
			continue
		}
		if abbr, ok := streetSuffixes[tok]; ok {
			tokens[i] = abbr
		} else if abbr, ok := unitDesignators[tok]; ok {
			tokens[i] = abbr
		}
	}
	return strings.Join(tokens, " ")
}

// CanonicalCity uppercases and trims a city name.
func CanonicalCity(s string) string {
	return strings.ToUpper(collapseSpaces(foldText(s)))
}

// foldText strips combining marks so "Peña" and "Pena" compare equal.
func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
