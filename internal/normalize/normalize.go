// Package normalize turns raw adapter records into canonical permit records.
package normalize

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/permit-leads/internal/model"
)

// RawRecord is one row as emitted by a source adapter.
type RawRecord map[string]string

// Rejection reason codes.
const (
	ReasonMissingPermitID   = "missing_permit_id"
	ReasonMissingCity       = "missing_source_city"
	ReasonMissingAddress    = "missing_property_address"
	ReasonInvalidSourceKind = "invalid_source_kind"
)

// RejectError reports a raw record that cannot become a PermitRecord.
type RejectError struct {
	Reason string
	Field  string
	Raw    RawRecord
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("normalize: %s (field %q)", e.Reason, e.Field)
}

// Defaults fills values an adapter knows for every record it emits.
type Defaults struct {
	SourceCity string
	SourceKind model.SourceKind
}

// fieldAliases maps canonical field names to the header spellings seen
// across adapters. Lookups are case-insensitive.
var fieldAliases = map[string][]string{
	"permit_id":           {"permit_id", "permit_number", "permit_no", "permit_#", "permit", "record_number"},
	"source_city":         {"source_city", "city", "jurisdiction", "municipality"},
	"source_kind":         {"source_kind", "source"},
	"property_address":    {"property_address", "address", "site_address", "situs_address", "situs", "location"},
	"owner_name":          {"owner_name", "owner", "property_owner", "applicant"},
	"contractor_name":     {"contractor_name", "contractor", "contractor_company", "builder"},
	"project_description": {"project_description", "description", "work_description", "scope", "scope_of_work"},
	"permit_type":         {"permit_type", "type", "work_type", "permit_class"},
	"issued_date":         {"issued_date", "issue_date", "issued", "date_issued", "issued_on"},
	"market_value":        {"market_value", "value", "appraised_value", "valuation", "total_value", "job_value"},
	"status":              {"status", "permit_status"},
}

// fields indexes a raw record by normalized header: lowercased, with
// spaces and hyphens folded to underscores.
type fields map[string]string

func (r RawRecord) fields() fields {
	f := make(fields, len(r))
	for k, v := range r {
		key := strings.ToLower(strings.TrimSpace(k))
		key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
		if _, dup := f[key]; !dup || strings.TrimSpace(f[key]) == "" {
			f[key] = v
		}
	}
	return f
}

// lookup returns the first non-empty value among a field's aliases.
func (f fields) lookup(field string) string {
	for _, alias := range fieldAliases[field] {
		if v := strings.TrimSpace(f[alias]); v != "" {
			return v
		}
	}
	return ""
}

// Lookup returns the value of a canonical field under any of its header
// aliases, or "" when absent.
func (r RawRecord) Lookup(field string) string {
	return r.fields().lookup(field)
}

// Normalize converts a raw record into a PermitRecord. A missing required
// field yields a *RejectError; soft problems (bad date, bad value) degrade
// the field to nil and are logged.
func Normalize(raw RawRecord, defaults Defaults) (model.PermitRecord, error) {
	log := zap.L().With(zap.String("component", "normalize"))
	f := raw.fields()

	id := collapseSpaces(f.lookup("permit_id"))
	if id == "" {
		return model.PermitRecord{}, &RejectError{Reason: ReasonMissingPermitID, Field: "permit_id", Raw: raw}
	}

	city := f.lookup("source_city")
	if city == "" {
		city = defaults.SourceCity
	}
	city = CanonicalCity(city)
	if city == "" {
		return model.PermitRecord{}, &RejectError{Reason: ReasonMissingCity, Field: "source_city", Raw: raw}
	}

	addr := CanonicalAddress(f.lookup("property_address"))
	if addr == "" {
		return model.PermitRecord{}, &RejectError{Reason: ReasonMissingAddress, Field: "property_address", Raw: raw}
	}

	kind := defaults.SourceKind
	if s := f.lookup("source_kind"); s != "" {
		k, ok := model.ParseSourceKind(s)
		if !ok {
			return model.PermitRecord{}, &RejectError{Reason: ReasonInvalidSourceKind, Field: "source_kind", Raw: raw}
		}
		kind = k
	}
	if kind == "" {
		return model.PermitRecord{}, &RejectError{Reason: ReasonInvalidSourceKind, Field: "source_kind", Raw: raw}
	}

	rec := model.PermitRecord{
		PermitID:           id,
		SourceCity:         city,
		SourceKind:         kind,
		PropertyAddress:    addr,
		OwnerName:          PartyName(f.lookup("owner_name")),
		ContractorName:     PartyName(f.lookup("contractor_name")),
		ProjectDescription: collapseSpaces(foldText(f.lookup("project_description"))),
		PermitType:         collapseSpaces(f.lookup("permit_type")),
		Status:             strings.ToLower(collapseSpaces(f.lookup("status"))),
	}

	if s := f.lookup("issued_date"); s != "" {
		d, err := ParseDate(s)
		if err != nil {
			log.Warn("unparseable issued date, freshness unknown",
				zap.String("permit_id", id), zap.String("value", s))
		} else {
			rec.IssuedDate = &d
		}
	}

	if s := f.lookup("market_value"); s != "" {
		v, err := ParseMoney(s)
		if err != nil {
			log.Warn("invalid market value dropped",
				zap.String("permit_id", id), zap.String("value", s), zap.Error(err))
		} else {
			rec.MarketValue = &v
		}
	}

	return rec, nil
}
