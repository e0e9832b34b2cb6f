package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/taxonomy"
)

func newTestFilter(t *testing.T) *Filter {
	t.Helper()
	tax, err := taxonomy.Default()
	require.NoError(t, err)
	f, err := New(tax, 0)
	require.NoError(t, err)
	return f
}

func lead(owner, desc string, daysOld int) model.MergedLead {
	v := 350000.0
	return model.MergedLead{
		PermitRecord: model.PermitRecord{
			PermitID:           "P-1",
			SourceCity:         "PLANO",
			PropertyAddress:    "1 ELM ST",
			OwnerName:          owner,
			ContractorName:     "Apex Roofing",
			ProjectDescription: desc,
			MarketValue:        &v,
		},
		DaysOld: daysOld,
	}
}

func TestClassifyDiscard_ConservativeOwners(t *testing.T) {
	f := newTestFilter(t)

	kept := []string{
		"John Smith", "Maria Garcia", "The Williams Family", "Lincoln Street Trust Of J Doe", "Corpening Mary",
		"Shirley Temple", "Robert Parish", "Joe College", "Mary Church", "Tom Foundation",
	}
	for _, owner := range kept {
		t.Run(owner, func(t *testing.T) {
			dq, reason := f.ClassifyDiscard(lead(owner, "Roof replacement", 10))
			assert.False(t, dq)
			assert.Empty(t, reason)
		})
	}

	dropped := []string{
		"Smith Properties LLC", "City of Dallas", "First Baptist Church", "Oakwood Apartments", "Lennar Homes of Texas", "Acme Corp",
		"Church of the Holy Cross", "Temple Beth El", "Dallas College of Nursing", "Parish of St Mark", "Garcia Family Foundation",
	}
	for _, owner := range dropped {
		t.Run(owner, func(t *testing.T) {
			dq, reason := f.ClassifyDiscard(lead(owner, "Roof replacement", 10))
			assert.True(t, dq)
			assert.Equal(t, ReasonCommercialEntity, reason)
		})
	}
}

func TestClassifyDiscard_RuleOrder(t *testing.T) {
	f := newTestFilter(t)

	tests := []struct {
		name   string
		lead   model.MergedLead
		reason string
	}{
		{"commercial beats stale", lead("Acme LLC", "Roof", 400), ReasonCommercialEntity},
		{"builder in description", lead("John Smith", "New SFR by Perry Homes", 5), ReasonProductionBuilderDesc},
		{"builder beats junk", lead("John Smith", "Perry Homes model home fence", 5), ReasonProductionBuilderDesc},
		{"junk project", lead("John Smith", "Install cedar fence", 5), ReasonJunkProject},
		{"junk beats stale", lead("John Smith", "Demolition of garage", 300), ReasonJunkProject},
		{"too old", lead("John Smith", "Roof replacement", 91), ReasonTooOld},
		{"boundary not stale", lead("John Smith", "Roof replacement", 90), ""},
		{"unknown age not stale", lead("John Smith", "Roof replacement", model.UnknownAge), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dq, reason := f.ClassifyDiscard(tt.lead)
			assert.Equal(t, tt.reason != "", dq)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestClassifyDiscard_NoSignal(t *testing.T) {
	f := newTestFilter(t)

	l := lead(model.Unknown, "Roof replacement", 3)
	l.ContractorName = model.Unknown
	l.MarketValue = nil
	dq, reason := f.ClassifyDiscard(l)
	assert.True(t, dq)
	assert.Equal(t, ReasonNoSignal, reason)

	l.ContractorName = "Apex Roofing"
	dq, _ = f.ClassifyDiscard(l)
	assert.False(t, dq, "any single signal keeps the lead")
}

func TestNew_CustomCutoff(t *testing.T) {
	tax, err := taxonomy.Default()
	require.NoError(t, err)
	f, err := New(tax, 30)
	require.NoError(t, err)
	assert.Equal(t, 30, f.MaxDaysOld())

	dq, reason := f.ClassifyDiscard(lead("John Smith", "Roof replacement", 31))
	assert.True(t, dq)
	assert.Equal(t, ReasonTooOld, reason)
}

func TestClassifyAdjacent(t *testing.T) {
	f := newTestFilter(t)

	noSignal := lead(model.Unknown, "HVAC replacement", 5)
	noSignal.ContractorName = model.Unknown
	noSignal.MarketValue = nil

	tests := []struct {
		name   string
		lead   model.MergedLead
		reason string
	}{
		{"government owner", lead("City of Dallas", "HVAC replacement", 5), ReasonCommercialEntity},
		{"builder owner", lead("Lennar Homes LLC", "HVAC replacement", 5), ReasonCommercialEntity},
		{"builder in description", lead("John Smith", "Perry Homes HVAC replacement", 5), ReasonProductionBuilderDesc},
		{"no signal", noSignal, ReasonNoSignal},
		{"junk rule skipped", lead("John Smith", "Generator with temporary power", 5), ""},
		{"staleness skipped", lead("John Smith", "HVAC replacement", 200), ""},
		{"homeowner", lead("John Smith", "HVAC replacement", 5), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dq, reason := f.ClassifyAdjacent(tt.lead)
			assert.Equal(t, tt.reason != "", dq)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestStale(t *testing.T) {
	f := newTestFilter(t)
	assert.False(t, f.Stale(lead("John Smith", "Roof", 90)))
	assert.True(t, f.Stale(lead("John Smith", "Roof", 91)))
	assert.False(t, f.Stale(lead("John Smith", "Roof", model.UnknownAge)))
}
