// Package merge collapses permit records that describe the same permit
// into one canonical lead.
package merge

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/normalize"
)

// Time-sensitive fields trust the portal first; ownership and valuation
// trust the assessor (CAD) first.
var (
	timeRank = map[model.SourceKind]int{
		model.SourcePortal: 0,
		model.SourceManual: 1,
		model.SourceCAD:    2,
	}
	partyRank = map[model.SourceKind]int{
		model.SourceCAD:    0,
		model.SourceManual: 1,
		model.SourcePortal: 2,
	}
)

// KeyOf returns the merge key of a record.
func KeyOf(r model.PermitRecord) model.MergeKey {
	return model.MergeKey{
		Address:    normalize.MergeAddress(r.PropertyAddress),
		SourceCity: normalize.CanonicalCity(r.SourceCity),
	}
}

// Merge buckets records by merge key and folds each bucket into a single
// MergedLead. The output is sorted by key and independent of input order.
func Merge(records []model.PermitRecord, today time.Time) []model.MergedLead {
	buckets := make(map[model.MergeKey][]model.PermitRecord)
	for _, r := range records {
		k := KeyOf(r)
		buckets[k] = append(buckets[k], r)
	}

	keys := make([]model.MergeKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SourceCity != keys[j].SourceCity {
			return keys[i].SourceCity < keys[j].SourceCity
		}
		return keys[i].Address < keys[j].Address
	})

	out := make([]model.MergedLead, 0, len(keys))
	for _, k := range keys {
		out = append(out, mergeBucket(k, buckets[k], today))
	}
	return out
}

// Flatten expands merged leads back into records, one per contributing
// source, each carrying the merged field values.
func Flatten(leads []model.MergedLead) []model.PermitRecord {
	var out []model.PermitRecord
	for _, l := range leads {
		for _, ref := range l.Sources {
			r := l.PermitRecord
			r.PermitID = ref.PermitID
			r.SourceKind = ref.SourceKind
			out = append(out, r)
		}
	}
	return out
}

func mergeBucket(key model.MergeKey, recs []model.PermitRecord, today time.Time) model.MergedLead {
	byTime := ordered(recs, timeRank)
	byParty := ordered(recs, partyRank)
	log := zap.L().With(zap.String("component", "merge"), zap.String("key", key.String()))

	var m model.PermitRecord
	m.SourceCity = key.SourceCity
	m.SourceKind = byTime[0].SourceKind
	m.PermitID = pick(log, "permit_id", byTime, func(r model.PermitRecord) string { return r.PermitID }, nonEmpty)
	m.PropertyAddress = pick(log, "property_address", byTime, func(r model.PermitRecord) string { return r.PropertyAddress }, nonEmpty)
	m.Status = pick(log, "status", byTime, func(r model.PermitRecord) string { return r.Status }, nonEmpty)
	m.ContractorName = pick(log, "contractor_name", byTime, func(r model.PermitRecord) string { return r.ContractorName }, model.IsKnown)
	m.ProjectDescription = pick(log, "project_description", byTime, func(r model.PermitRecord) string { return r.ProjectDescription }, nonEmpty)
	m.PermitType = pick(log, "permit_type", byTime, func(r model.PermitRecord) string { return r.PermitType }, nonEmpty)
	m.OwnerName = pick(log, "owner_name", byParty, func(r model.PermitRecord) string { return r.OwnerName }, model.IsKnown)

	for _, r := range byTime {
		if r.IssuedDate != nil {
			d := *r.IssuedDate
			m.IssuedDate = &d
			break
		}
	}
	for _, r := range byParty {
		if r.MarketValue != nil {
			v := *r.MarketValue
			m.MarketValue = &v
			break
		}
	}

	if !model.IsKnown(m.OwnerName) {
		m.OwnerName = model.Unknown
	}
	if !model.IsKnown(m.ContractorName) {
		m.ContractorName = model.Unknown
	}

	return model.MergedLead{
		PermitRecord: m,
		Key:          key,
		DaysOld:      model.AgeInDays(m.IssuedDate, today),
		Sources:      sourceRefs(recs),
	}
}

// ordered returns a copy of recs sorted by source precedence. Records from
// the same source kind are ordered by a full fingerprint so the result
// never depends on input order.
func ordered(recs []model.PermitRecord, rank map[model.SourceKind]int) []model.PermitRecord {
	out := make([]model.PermitRecord, len(recs))
	copy(out, recs)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank[out[i].SourceKind], rank[out[j].SourceKind]
		if ri != rj {
			return ri < rj
		}
		return fingerprint(out[i]) < fingerprint(out[j])
	})
	return out
}

func fingerprint(r model.PermitRecord) string {
	issued, value := "", ""
	if r.IssuedDate != nil {
		issued = r.IssuedDate.Format("2006-01-02")
	}
	if r.MarketValue != nil {
		value = fmt.Sprintf("%.2f", *r.MarketValue)
	}
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%s\x00%s\x00%s\x00%s\x00%s",
		r.PermitID, issued, r.Status, r.OwnerName, value,
		r.ContractorName, r.ProjectDescription, r.PermitType, r.PropertyAddress)
}

// pick returns the first usable value in precedence order. A populated
// value is never replaced by one from a lower-precedence record; differing
// populated values are logged as merge ambiguity.
func pick(log *zap.Logger, field string, recs []model.PermitRecord, get func(model.PermitRecord) string, usable func(string) bool) string {
	chosen := ""
	for _, r := range recs {
		v := get(r)
		if !usable(v) {
			continue
		}
		if chosen == "" {
			chosen = v
			continue
		}
		if v != chosen {
			log.Debug("merge conflict resolved by precedence",
				zap.String("field", field),
				zap.String("kept", chosen),
				zap.String("dropped", v),
				zap.String("dropped_source", string(r.SourceKind)),
			)
		}
	}
	return chosen
}

func nonEmpty(s string) bool { return s != "" }

func sourceRefs(recs []model.PermitRecord) []model.SourceRef {
	seen := make(map[model.SourceRef]bool, len(recs))
	refs := make([]model.SourceRef, 0, len(recs))
	for _, r := range recs {
		ref := model.SourceRef{PermitID: r.PermitID, SourceKind: r.SourceKind}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].SourceKind != refs[j].SourceKind {
			return refs[i].SourceKind < refs[j].SourceKind
		}
		return refs[i].PermitID < refs[j].PermitID
	})
	return refs
}
