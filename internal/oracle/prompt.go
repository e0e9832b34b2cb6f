package oracle

import (
	"encoding/json"
	"strings"
)

// SystemPrompt instructs the classifier on scoring and response shape.
const SystemPrompt = `You evaluate residential building permits as sales leads for a home-improvement contractor.
Score the permit from 0 to 100:
- 80-100: homeowner-driven project, fresh, valuable property, clear need for the trade.
- 50-79: plausible homeowner lead with some uncertainty.
- 1-49: weak lead.
- 0: not a viable lead at all (commercial work, builder inventory, duplicate, nonsense).

Respond with ONLY valid JSON, no other text:
{"score": 0, "reasoning": "brief explanation", "category": "roofing", "flags": [], "ideal_contractor": "roofing", "contact_priority": "high|medium|low"}`

// UserPrompt renders req as the user message.
func UserPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Permit to evaluate:\n")
	payload, _ := json.MarshalIndent(req, "", "  ")
	b.Write(payload)
	return b.String()
}
