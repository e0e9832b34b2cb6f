package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// KeyField is the external-id custom field that identifies a permit lead.
const KeyField = "Permit_Key__c"

// Lead is the subset of Lead fields read back during upsert.
type Lead struct {
	ID        string `json:"Id" salesforce:"Id"`
	PermitKey string `json:"Permit_Key__c" salesforce:"Permit_Key__c"`
}

// LeadRecord is one lead to upsert, keyed by permit key.
type LeadRecord struct {
	Key    string
	Fields map[string]any
}

// UpsertSummary counts the outcome of UpsertLeads.
type UpsertSummary struct {
	Inserted int
	Updated  int
	Failed   int
	Errors   []string
}

// FindLeadsByKeys returns the Salesforce IDs of existing leads keyed by
// permit key.
func FindLeadsByKeys(ctx context.Context, c Client, keys []string) (map[string]string, error) {
	found := make(map[string]string, len(keys))
	for start := 0; start < len(keys); start += maxBatchSize {
		end := min(start+maxBatchSize, len(keys))

		quoted := make([]string, 0, end-start)
		for _, k := range keys[start:end] {
			quoted = append(quoted, "'"+escapeSoql(k)+"'")
		}
		soql := fmt.Sprintf("SELECT Id, %s FROM Lead WHERE %s IN (%s)",
			KeyField, KeyField, strings.Join(quoted, ", "))

		var leads []Lead
		if err := c.Query(ctx, soql, &leads); err != nil {
			return nil, eris.Wrap(err, "sf: find leads by key")
		}
		for _, l := range leads {
			found[l.PermitKey] = l.ID
		}
	}
	return found, nil
}

// UpsertLeads inserts new leads and updates existing ones, matched on
// KeyField, in batches of 200.
func UpsertLeads(ctx context.Context, c Client, records []LeadRecord) (UpsertSummary, error) {
	var sum UpsertSummary
	if len(records) == 0 {
		return sum, nil
	}

	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key
	}
	existing, err := FindLeadsByKeys(ctx, c, keys)
	if err != nil {
		return sum, err
	}

	var inserts []map[string]any
	var updates []CollectionRecord
	for _, r := range records {
		fields := make(map[string]any, len(r.Fields)+1)
		for k, v := range r.Fields {
			fields[k] = v
		}
		if id, ok := existing[r.Key]; ok {
			updates = append(updates, CollectionRecord{ID: id, Fields: fields})
			continue
		}
		fields[KeyField] = r.Key
		inserts = append(inserts, fields)
	}

	for start := 0; start < len(inserts); start += maxBatchSize {
		end := min(start+maxBatchSize, len(inserts))
		results, err := c.InsertCollection(ctx, "Lead", inserts[start:end])
		if err != nil {
			return sum, eris.Wrap(err, fmt.Sprintf("sf: insert leads batch %d-%d", start, end))
		}
		tally(&sum, results, &sum.Inserted)
	}

	for start := 0; start < len(updates); start += maxBatchSize {
		end := min(start+maxBatchSize, len(updates))
		results, err := c.UpdateCollection(ctx, "Lead", updates[start:end])
		if err != nil {
			return sum, eris.Wrap(err, fmt.Sprintf("sf: update leads batch %d-%d", start, end))
		}
		tally(&sum, results, &sum.Updated)
	}

	return sum, nil
}

func tally(sum *UpsertSummary, results []CollectionResult, ok *int) {
	for _, r := range results {
		if r.Success {
			*ok++
			continue
		}
		sum.Failed++
		sum.Errors = append(sum.Errors, r.Errors...)
	}
}

// escapeSoql escapes single quotes in SOQL string literals.
func escapeSoql(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", `\'`)
}
