package aggregate

import (
	"strconv"

	"github.com/sells-group/permit-leads/internal/model"
)

// Columns is the fixed export header.
var Columns = []string{
	"permit_id", "city", "address", "owner_name", "description",
	"market_value", "days_old", "score",
}

// Row renders l in Columns order. Missing market values and unknown ages
// render as empty cells.
func Row(l model.ScoredLead) []string {
	mv := ""
	if l.MarketValue != nil {
		mv = strconv.FormatFloat(*l.MarketValue, 'f', -1, 64)
	}
	days := ""
	if l.DaysOld != model.UnknownAge {
		days = strconv.Itoa(l.DaysOld)
	}
	return []string{
		l.PermitID,
		l.SourceCity,
		l.PropertyAddress,
		l.OwnerName,
		l.ProjectDescription,
		mv,
		days,
		strconv.Itoa(l.Score),
	}
}
