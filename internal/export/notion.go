package export

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/permit-leads/internal/aggregate"
	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/pkg/notion"
)

// NotionKeyProperty is the rich-text property holding the merge key.
const NotionKeyProperty = "Permit Key"

// NotionSink upserts Tier A leads as pages in a Notion database.
type NotionSink struct {
	Client     notion.Client
	DatabaseID string
}

// Name implements Sink.
func (s *NotionSink) Name() string { return "notion" }

// Write implements Sink.
func (s *NotionSink) Write(ctx context.Context, runID string, buckets []aggregate.Bucket) (int, error) {
	if s.Client == nil || s.DatabaseID == "" {
		return 0, eris.New("notion: client and database id are required")
	}
	log := zap.L().With(zap.String("component", "export.notion"), zap.String("run_id", runID))

	var created, updated int
	for _, b := range buckets {
		if b.Key.Tier != model.TierA {
			continue
		}
		for _, l := range b.Leads {
			isNew, err := notion.UpsertPage(ctx, s.Client, s.DatabaseID, NotionKeyProperty, l.Key.String(), leadProperties(l))
			if err != nil {
				return created + updated, eris.Wrapf(err, "notion: upsert %s", l.Label())
			}
			if isNew {
				created++
			} else {
				updated++
			}
		}
	}
	log.Debug("notion: upserted leads", zap.Int("created", created), zap.Int("updated", updated))
	return created + updated, nil
}

func leadProperties(l model.ScoredLead) notionapi.Properties {
	props := notionapi.Properties{
		"Address":     notion.Title(l.PropertyAddress),
		"Permit ID":   notion.RichText(l.PermitID),
		"City":        notion.Select(l.SourceCity),
		"Owner":       notion.RichText(l.OwnerName),
		"Description": notion.RichText(l.ProjectDescription),
		"Score":       notion.Number(float64(l.Score)),
		"Tier":        notion.Select(string(l.Tier)),
		"Category":    notion.Select(l.Category),
		"Trade Group": notion.Select(l.TradeGroup),
		"Flags":       notion.MultiSelect(l.Flags),
	}
	if l.DaysOld != model.UnknownAge {
		props["Days Old"] = notion.Number(float64(l.DaysOld))
	}
	if l.MarketValue != nil {
		props["Market Value"] = notion.Number(*l.MarketValue)
	}
	if l.ContactPriority != "" {
		props["Contact Priority"] = notion.Select(l.ContactPriority)
	}
	return props
}
