package export

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/permit-leads/internal/aggregate"
	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/pkg/salesforce"
)

func ptr[T any](v T) *T { return &v }

func lead(id string, tier model.Tier, score int) model.ScoredLead {
	return model.ScoredLead{
		MergedLead: model.MergedLead{
			PermitRecord: model.PermitRecord{
				PermitID:           id,
				SourceCity:         "AUSTIN",
				PropertyAddress:    "100 MAIN ST",
				OwnerName:          "JANE DOE",
				ProjectDescription: "Kitchen remodel",
				MarketValue:        ptr(450000.0),
			},
			Key:     model.MergeKey{Address: "100 MAIN ST " + id, SourceCity: "AUSTIN"},
			DaysOld: 3,
		},
		Score:         score,
		Tier:          tier,
		Category:      "remodel",
		TradeGroup:    model.TradeGroupMain,
		ScoringMethod: model.MethodAI,
		Flags:         []string{},
	}
}

func testBuckets() []aggregate.Bucket {
	return aggregate.Buckets([]model.ScoredLead{
		lead("BP-1", model.TierA, 90),
		lead("BP-2", model.TierA, 85),
		lead("BP-3", model.TierC, 30),
		lead("BP-4", model.TierD, 0),
	})
}

func TestCSVSink(t *testing.T) {
	dir := t.TempDir()
	n, err := (&CSVSink{Dir: dir}).Write(context.Background(), "run-1", testBuckets())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	f, err := os.Open(filepath.Join(dir, "run-1", "main_remodel_A.csv"))
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, aggregate.Columns, rows[0])
	assert.Equal(t, "BP-1", rows[1][0])
	assert.Equal(t, "450000", rows[1][5])

	_, err = os.Stat(filepath.Join(dir, "run-1", "main_remodel_D.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestXLSXSink(t *testing.T) {
	dir := t.TempDir()
	n, err := (&XLSXSink{Dir: dir}).Write(context.Background(), "run-1", testBuckets())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	f, err := xlsx.OpenFile(filepath.Join(dir, "run-1.xlsx"))
	require.NoError(t, err)
	require.Len(t, f.Sheets, 2)

	sheet, ok := f.Sheet["main_remodel_A"]
	require.True(t, ok)
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, "permit_id", sheet.Rows[0].Cells[0].String())
	assert.Equal(t, "BP-2", sheet.Rows[2].Cells[0].String())
}

func TestXLSXSink_NoBuckets(t *testing.T) {
	dir := t.TempDir()
	n, err := (&XLSXSink{Dir: dir}).Write(context.Background(), "run-1", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = os.Stat(filepath.Join(dir, "run-1.xlsx"))
	assert.True(t, os.IsNotExist(err))
}

func TestSheetName(t *testing.T) {
	used := map[string]struct{}{}
	assert.Equal(t, "main_remodel_A", sheetName("main_remodel_A", used))
	assert.Equal(t, "main_kitchen_and_bathroom_rem_A", sheetName("main_kitchen_and_bathroom_remodeling_A", used))
	assert.Equal(t, "main_kitchen_and_bathroom_rem_B", sheetName("main_kitchen_and_bathroom_remodeling_B", used))
	assert.Equal(t, "main_kitchen_and_bathroom_r~2_A", sheetName("main_kitchen_and_bathroom_remodel_work_A", used))
	assert.Equal(t, "MAIN_REMODEL~2_A", sheetName("MAIN_REMODEL_A", used))
	assert.Equal(t, "a_b__c_d_A", sheetName("a[b]:c?d_A", used))
	assert.Len(t, sheetName("adjacent_commercial_electrical_B_extra", used), maxSheetName)
}

func TestXLSXSink_LongCategoriesStayDistinct(t *testing.T) {
	long := func(id string, tier model.Tier) model.ScoredLead {
		l := lead(id, tier, 70)
		l.Category = "kitchen and bathroom remodeling"
		return l
	}
	buckets := aggregate.Buckets([]model.ScoredLead{long("BP-1", model.TierA), long("BP-2", model.TierB), long("BP-3", model.TierC)})

	dir := t.TempDir()
	n, err := (&XLSXSink{Dir: dir}).Write(context.Background(), "run-1", buckets)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	f, err := xlsx.OpenFile(filepath.Join(dir, "run-1.xlsx"))
	require.NoError(t, err)
	require.Len(t, f.Sheets, 3)
	for _, name := range []string{"main_kitchen_and_bathroom_rem_A", "main_kitchen_and_bathroom_rem_B", "main_kitchen_and_bathroom_rem_C"} {
		_, ok := f.Sheet[name]
		assert.True(t, ok, name)
	}
}

func TestCSVSink_UnsafeCategory(t *testing.T) {
	unsafe := func(id, category string) model.ScoredLead {
		l := lead(id, model.TierA, 80)
		l.Category = category
		return l
	}
	buckets := aggregate.Buckets([]model.ScoredLead{unsafe("BP-1", "roofing/siding"), unsafe("BP-2", "../x")})

	dir := t.TempDir()
	n, err := (&CSVSink{Dir: dir}).Write(context.Background(), "run-1", buckets)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, name := range []string{"main_roofing_siding_A.csv", "main_x_A.csv"} {
		_, err := os.Stat(filepath.Join(dir, "run-1", name))
		assert.NoError(t, err, name)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "nothing escapes the run directory")
}

type mockNotion struct{ mock.Mock }

func (m *mockNotion) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *mockNotion) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *mockNotion) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func TestNotionSink_OnlyTierA(t *testing.T) {
	mc := new(mockNotion)
	empty := &notionapi.DatabaseQueryResponse{}
	existing := &notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "page-2"}}}

	mc.On("QueryDatabase", mock.Anything, "db-1", mock.MatchedBy(func(r *notionapi.DatabaseQueryRequest) bool {
		f, ok := r.Filter.(notionapi.PropertyFilter)
		return ok && f.RichText != nil && f.RichText.Equals == "AUSTIN|100 MAIN ST BP-1"
	})).Return(empty, nil).Once()
	mc.On("QueryDatabase", mock.Anything, "db-1", mock.Anything).Return(existing, nil).Once()
	mc.On("CreatePage", mock.Anything, mock.MatchedBy(func(r *notionapi.PageCreateRequest) bool {
		_, hasKey := r.Properties[NotionKeyProperty]
		return hasKey && string(r.Parent.DatabaseID) == "db-1"
	})).Return(&notionapi.Page{ID: "page-1"}, nil).Once()
	mc.On("UpdatePage", mock.Anything, "page-2", mock.Anything).Return(&notionapi.Page{ID: "page-2"}, nil).Once()

	n, err := (&NotionSink{Client: mc, DatabaseID: "db-1"}).Write(context.Background(), "run-1", testBuckets())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	mc.AssertExpectations(t)
}

func TestNotionSink_Errors(t *testing.T) {
	_, err := (&NotionSink{}).Write(context.Background(), "run-1", testBuckets())
	assert.ErrorContains(t, err, "required")

	mc := new(mockNotion)
	mc.On("QueryDatabase", mock.Anything, "db-1", mock.Anything).Return(nil, errors.New("rate limited"))
	_, err = (&NotionSink{Client: mc, DatabaseID: "db-1"}).Write(context.Background(), "run-1", testBuckets())
	assert.ErrorContains(t, err, "rate limited")
}

func TestLeadProperties(t *testing.T) {
	l := lead("BP-1", model.TierA, 90)
	l.DaysOld = model.UnknownAge
	l.MarketValue = nil
	props := leadProperties(l)

	_, ok := props["Days Old"]
	assert.False(t, ok)
	_, ok = props["Market Value"]
	assert.False(t, ok)
	assert.Equal(t, "A", props["Tier"].(notionapi.SelectProperty).Select.Name)
}

type fakeSF struct {
	inserted [][]map[string]any
	insertFn func([]map[string]any) ([]salesforce.CollectionResult, error)
}

func (f *fakeSF) Query(_ context.Context, _ string, _ any) error { return nil }

func (f *fakeSF) InsertCollection(_ context.Context, _ string, records []map[string]any) ([]salesforce.CollectionResult, error) {
	f.inserted = append(f.inserted, records)
	if f.insertFn != nil {
		return f.insertFn(records)
	}
	out := make([]salesforce.CollectionResult, len(records))
	for i := range out {
		out[i] = salesforce.CollectionResult{ID: "00Q", Success: true}
	}
	return out, nil
}

func (f *fakeSF) UpdateCollection(_ context.Context, _ string, _ []salesforce.CollectionRecord) ([]salesforce.CollectionResult, error) {
	return nil, nil
}

func TestSalesforceSink(t *testing.T) {
	sf := &fakeSF{}
	n, err := (&SalesforceSink{Client: sf}).Write(context.Background(), "run-1", testBuckets())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, sf.inserted, 1)
	rec := sf.inserted[0][0]
	assert.Equal(t, "JANE DOE", rec["LastName"])
	assert.Equal(t, "Austin", rec["City"])
	assert.Equal(t, "Building Permit", rec["LeadSource"])
	assert.Equal(t, "AUSTIN|100 MAIN ST BP-1", rec[salesforce.KeyField])
}

func TestSalesforceSink_PartialFailure(t *testing.T) {
	sf := &fakeSF{insertFn: func(records []map[string]any) ([]salesforce.CollectionResult, error) {
		out := make([]salesforce.CollectionResult, len(records))
		out[0] = salesforce.CollectionResult{Errors: []string{"REQUIRED_FIELD_MISSING"}}
		for i := 1; i < len(out); i++ {
			out[i] = salesforce.CollectionResult{Success: true}
		}
		return out, nil
	}}
	n, err := (&SalesforceSink{Client: sf}).Write(context.Background(), "run-1", testBuckets())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLeadFields_UnknownOwner(t *testing.T) {
	l := lead("BP-1", model.TierB, 60)
	l.OwnerName = "Unknown"
	l.DaysOld = model.UnknownAge
	fields := leadFields(l, "Permits")
	assert.Equal(t, "Homeowner", fields["LastName"])
	_, ok := fields["Days_Old__c"]
	assert.False(t, ok)
}

type failingSink struct{}

func (failingSink) Name() string { return "broken" }
func (failingSink) Write(context.Context, string, []aggregate.Bucket) (int, error) {
	return 0, errors.New("disk full")
}

func TestWriteAll_ContinuesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	results, err := WriteAll(context.Background(), []Sink{failingSink{}, &CSVSink{Dir: dir}}, "run-1", testBuckets())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	require.Len(t, results, 2)
	assert.Equal(t, "disk full", results[0].Error)
	assert.Equal(t, 3, results[1].Written)
}
