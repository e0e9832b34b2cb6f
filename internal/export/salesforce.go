package export

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/permit-leads/internal/aggregate"
	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/pkg/salesforce"
)

// SalesforceSink upserts every exported lead as a Lead sObject keyed by
// merge key.
type SalesforceSink struct {
	Client salesforce.Client
	// LeadSource is written to the standard LeadSource field.
	LeadSource string
}

// Name implements Sink.
func (s *SalesforceSink) Name() string { return "salesforce" }

// Write implements Sink. Per-record failures are logged and excluded from
// the written count; only transport errors fail the sink.
func (s *SalesforceSink) Write(ctx context.Context, runID string, buckets []aggregate.Bucket) (int, error) {
	if s.Client == nil {
		return 0, eris.New("salesforce: client is required")
	}
	source := s.LeadSource
	if source == "" {
		source = "Building Permit"
	}

	var records []salesforce.LeadRecord
	for _, b := range buckets {
		for _, l := range b.Leads {
			records = append(records, salesforce.LeadRecord{Key: l.Key.String(), Fields: leadFields(l, source)})
		}
	}
	if len(records) == 0 {
		return 0, nil
	}

	sum, err := salesforce.UpsertLeads(ctx, s.Client, records)
	if err != nil {
		return sum.Inserted + sum.Updated, err
	}
	if sum.Failed > 0 {
		zap.L().Warn("salesforce: some leads failed",
			zap.String("run_id", runID),
			zap.Int("failed", sum.Failed),
			zap.Strings("errors", sum.Errors),
		)
	}
	return sum.Inserted + sum.Updated, nil
}

func leadFields(l model.ScoredLead, source string) map[string]any {
	last := l.OwnerName
	if !model.IsKnown(last) {
		last = "Homeowner"
	}
	fields := map[string]any{
		"LastName":        last,
		"Company":         l.PropertyAddress,
		"Street":          l.PropertyAddress,
		"City":            titleCase(l.SourceCity),
		"Description":     l.ProjectDescription,
		"LeadSource":      source,
		"Permit_ID__c":    l.PermitID,
		"Permit_Score__c": l.Score,
		"Permit_Tier__c":  string(l.Tier),
		"Trade_Group__c":  l.TradeGroup,
		"Category__c":     l.Category,
	}
	if l.DaysOld != model.UnknownAge {
		fields["Days_Old__c"] = l.DaysOld
	}
	if l.MarketValue != nil {
		fields["Market_Value__c"] = *l.MarketValue
	}
	return fields
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
