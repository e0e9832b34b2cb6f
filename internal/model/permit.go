package model

import (
	"strings"
	"time"
)

// Unknown is the placeholder used for party names the source did not report.
const Unknown = "Unknown"

// SourceKind identifies the family of adapter that produced a record.
type SourceKind string

const (
	SourcePortal SourceKind = "PORTAL"
	SourceCAD    SourceKind = "CAD"
	SourceManual SourceKind = "MANUAL"
)

// ParseSourceKind maps a free-form source label onto a SourceKind.
func ParseSourceKind(s string) (SourceKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PORTAL", "WEB", "SCRAPER":
		return SourcePortal, true
	case "CAD", "ASSESSOR", "APPRAISAL":
		return SourceCAD, true
	case "MANUAL", "PDF", "EXCEL", "XLSX":
		return SourceManual, true
	}
	return "", false
}

// PermitRecord is a normalized permit as produced by one source adapter.
// Records are never mutated after normalization.
type PermitRecord struct {
	PermitID           string     `json:"permit_id"`
	SourceCity         string     `json:"source_city"`
	SourceKind         SourceKind `json:"source_kind"`
	PropertyAddress    string     `json:"property_address"`
	OwnerName          string     `json:"owner_name"`
	ContractorName     string     `json:"contractor_name"`
	ProjectDescription string     `json:"project_description"`
	PermitType         string     `json:"permit_type"`
	Status             string     `json:"status,omitempty"`
	IssuedDate         *time.Time `json:"issued_date,omitempty"`
	MarketValue        *float64   `json:"market_value,omitempty"`
}

// HasOwner reports whether the record names a real owner.
func (r PermitRecord) HasOwner() bool { return IsKnown(r.OwnerName) }

// HasContractor reports whether the record names a real contractor.
func (r PermitRecord) HasContractor() bool { return IsKnown(r.ContractorName) }

// IsKnown reports whether a party field carries a usable value.
func IsKnown(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && !strings.EqualFold(s, Unknown)
}
