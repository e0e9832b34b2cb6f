package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/permit-leads/internal/model"
)

var today = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func money(v float64) *float64 { return &v }

func portalRecord() model.PermitRecord {
	return model.PermitRecord{
		PermitID:           "BP-100",
		SourceCity:         "PLANO",
		SourceKind:         model.SourcePortal,
		PropertyAddress:    "12 OAK STREET",
		OwnerName:          "J Smith",
		ContractorName:     "Apex Roofing",
		ProjectDescription: "Reroof",
		Status:             "issued",
		IssuedDate:         date(2026, 4, 21),
		MarketValue:        money(250000),
	}
}

func cadRecord() model.PermitRecord {
	return model.PermitRecord{
		PermitID:        "R-99812",
		SourceCity:      "Plano",
		SourceKind:      model.SourceCAD,
		PropertyAddress: "12 OAK ST",
		OwnerName:       "SMITH JOHN & MARY",
		ContractorName:  model.Unknown,
		Status:          "final",
		IssuedDate:      date(2025, 1, 1),
		MarketValue:     money(410000),
	}
}

func TestMerge_FieldPrecedence(t *testing.T) {
	leads := Merge([]model.PermitRecord{cadRecord(), portalRecord()}, today)
	require.Len(t, leads, 1)
	l := leads[0]

	assert.Equal(t, "BP-100", l.PermitID)
	assert.Equal(t, model.SourcePortal, l.SourceKind)
	assert.Equal(t, "issued", l.Status, "portal wins status")
	assert.Equal(t, *date(2026, 4, 21), *l.IssuedDate, "portal wins issued date")
	assert.Equal(t, "SMITH JOHN & MARY", l.OwnerName, "cad wins owner")
	assert.InDelta(t, 410000.0, *l.MarketValue, 0.01, "cad wins market value")
	assert.Equal(t, "Apex Roofing", l.ContractorName)
	assert.Equal(t, 10, l.DaysOld)
	assert.Equal(t, model.MergeKey{Address: "12 OAK ST", SourceCity: "PLANO"}, l.Key)
	assert.Len(t, l.Sources, 2)
}

func TestMerge_LowerPrecedenceFillsGaps(t *testing.T) {
	cad := cadRecord()
	cad.OwnerName = model.Unknown
	cad.MarketValue = nil

	portal := portalRecord()
	portal.IssuedDate = nil

	leads := Merge([]model.PermitRecord{portal, cad}, today)
	require.Len(t, leads, 1)
	assert.Equal(t, "J Smith", leads[0].OwnerName)
	assert.InDelta(t, 250000.0, *leads[0].MarketValue, 0.01)
	assert.Equal(t, *date(2025, 1, 1), *leads[0].IssuedDate)
}

func TestMerge_ManualSitsBetween(t *testing.T) {
	manual := model.PermitRecord{
		PermitID:        "M-1",
		SourceCity:      "PLANO",
		SourceKind:      model.SourceManual,
		PropertyAddress: "12 OAK ST",
		OwnerName:       "Manual Owner",
		Status:          "pending",
		IssuedDate:      date(2026, 3, 1),
	}
	leads := Merge([]model.PermitRecord{cadRecord(), manual}, today)
	require.Len(t, leads, 1)
	assert.Equal(t, "pending", leads[0].Status)
	assert.Equal(t, "SMITH JOHN & MARY", leads[0].OwnerName)
}

func TestMerge_UnknownDateIsSentinel(t *testing.T) {
	r := portalRecord()
	r.IssuedDate = nil
	leads := Merge([]model.PermitRecord{r}, today)
	require.Len(t, leads, 1)
	assert.Equal(t, model.UnknownAge, leads[0].DaysOld)
}

func TestMerge_DistinctKeysStayApart(t *testing.T) {
	other := portalRecord()
	other.PropertyAddress = "14 OAK ST"
	otherCity := portalRecord()
	otherCity.SourceCity = "FRISCO"

	leads := Merge([]model.PermitRecord{portalRecord(), other, otherCity}, today)
	require.Len(t, leads, 3)
	assert.Equal(t, "FRISCO", leads[0].Key.SourceCity)
	assert.Equal(t, "12 OAK ST", leads[1].Key.Address)
	assert.Equal(t, "14 OAK ST", leads[2].Key.Address)
}

func TestMerge_Deterministic(t *testing.T) {
	dup := portalRecord()
	dup.PermitID = "BP-099"
	dup.ProjectDescription = "Roof replacement"

	a := Merge([]model.PermitRecord{portalRecord(), cadRecord(), dup}, today)
	b := Merge([]model.PermitRecord{dup, cadRecord(), portalRecord()}, today)
	assert.Equal(t, a, b)
	assert.Equal(t, "BP-099", a[0].PermitID)
	assert.Equal(t, "Roof replacement", a[0].ProjectDescription)
}

func TestMerge_Idempotent(t *testing.T) {
	manual := portalRecord()
	manual.SourceKind = model.SourceManual
	manual.PermitID = "M-7"
	manual.OwnerName = model.Unknown

	input := []model.PermitRecord{portalRecord(), cadRecord(), manual}
	first := Merge(input, today)
	second := Merge(Flatten(first), today)
	assert.Equal(t, first, second)
	assert.Equal(t, first, Merge(input, today))
}
