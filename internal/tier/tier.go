// Package tier assigns the final priority class of a lead. It is the only
// place a tier is decided.
package tier

import (
	"github.com/sells-group/permit-leads/internal/adjacent"
	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/oracle"
)

// Oracle score thresholds.
const (
	ThresholdA = 80
	ThresholdB = 50
)

// Assign maps a score to a tier. Order matters: a zero score is D even
// when the age is unknown, and an unknown age is U whatever the score.
func Assign(score, daysOld int, method model.ScoringMethod) (model.Tier, []string) {
	if score == 0 {
		if method == model.MethodRule {
			return model.TierD, []string{model.FlagAdjacentExpired}
		}
		return model.TierD, []string{model.FlagAIConfirmedGarbage}
	}
	if daysOld == model.UnknownAge {
		return model.TierU, nil
	}
	if method == model.MethodRule {
		if score >= adjacent.TierAThreshold {
			return model.TierA, nil
		}
		return model.TierB, nil
	}
	switch {
	case score >= ThresholdA:
		return model.TierA, nil
	case score >= ThresholdB:
		return model.TierB, nil
	default:
		return model.TierC, nil
	}
}

// Resolve turns an oracle result into a tier. Every non-OK outcome is
// RETRY; a failed call never becomes a score.
func Resolve(res oracle.Result, daysOld int) (model.Tier, []string) {
	if !res.OK() {
		return model.TierRetry, []string{model.FlagOracleRetry}
	}
	return Assign(res.Score.Score, daysOld, model.MethodAI)
}
