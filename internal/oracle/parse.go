package oracle

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/permit-leads/internal/model"
)

type wireResponse struct {
	Score           json.RawMessage `json:"score"`
	Reasoning       string          `json:"reasoning"`
	Category        string          `json:"category"`
	Flags           []string        `json:"flags"`
	IdealContractor string          `json:"ideal_contractor"`
	ContactPriority string          `json:"contact_priority"`
}

// ParseResponse validates a classifier payload. Models sometimes wrap the
// JSON object in prose or code fences, so the outermost {...} is taken.
// A missing, fractional or out-of-range score makes the result Malformed;
// it is never clamped into range.
func ParseResponse(raw string) Result {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Malformed(raw, eris.New("oracle: no json object in response"))
	}

	var w wireResponse
	if err := json.Unmarshal([]byte(raw[start:end+1]), &w); err != nil {
		return Malformed(raw, eris.Wrap(err, "oracle: decode response"))
	}

	score, err := parseScore(w.Score)
	if err != nil {
		return Malformed(raw, err)
	}

	flags := make([]string, 0, len(w.Flags))
	for _, f := range w.Flags {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			flags = append(flags, f)
		}
	}

	return Ok(ScoreResult{
		Score:           score,
		Reasoning:       strings.TrimSpace(w.Reasoning),
		Category:        model.CategorySlug(w.Category),
		Flags:           flags,
		IdealContractor: strings.TrimSpace(w.IdealContractor),
		ContactPriority: strings.ToLower(strings.TrimSpace(w.ContactPriority)),
	})
}

func parseScore(raw json.RawMessage) (int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, eris.New("oracle: score missing")
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "oracle: score %q is not a number", s)
	}
	if math.IsNaN(v) || v != math.Trunc(v) {
		return 0, eris.Errorf("oracle: score %q is not an integer", s)
	}
	if v < 0 || v > 100 {
		return 0, eris.Errorf("oracle: score %v out of range", v)
	}
	return int(v), nil
}
