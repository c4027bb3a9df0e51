package domain

import "time"

// ContentKind classifies a fetched portal artifact.
type ContentKind string

const (
	KindHTML  ContentKind = "html"
	KindImage ContentKind = "image"
	KindPDF   ContentKind = "pdf"
)

// DocumentRef points at a single report visible on the portal.
type DocumentRef struct {
	ID           string
	URL          string
	Title        string
	Kind         ContentKind
	PatientLabel string
}

// RawDocument is one fetched artifact before extraction. It is consumed by
// the extractor and discarded, never persisted.
type RawDocument struct {
	Ref       DocumentRef
	Kind      ContentKind
	Body      []byte
	FetchedAt time.Time
}

// PatientFilter narrows a portal listing to one patient. The zero value
// means "all documents visible on the portal".
type PatientFilter struct {
	MRN      string
	LastName string
}

// All reports whether the filter selects every patient.
func (f PatientFilter) All() bool {
	return f.MRN == "" && f.LastName == ""
}

// VisionResult is the raw answer from the OCR/vision service.
type VisionResult struct {
	Text       string
	Fields     map[string]string
	Confidence float64
}

// LabValue is a single analyte result extracted from a report body.
type LabValue struct {
	Name  string
	Value string
	Unit  string
}

// PatientIdentityHint carries identity fields extracted alongside a report.
// It is matching input only and is never written to storage directly.
type PatientIdentityHint struct {
	FirstName  string
	LastName   string
	DOB        *time.Time
	ExternalID string
}

// ExtractedReport is the structured output of extraction. ExternalID is
// best-effort and may be empty when the source carries no stable identifier.
type ExtractedReport struct {
	ExternalID string
	Title      string
	ReportDate *time.Time
	Body       string
	Values     []LabValue
	Confidence float64
	Source     string
	Identity   PatientIdentityHint
}

// Patient mirrors the slice of the registry record the pipeline touches.
type Patient struct {
	ID        int64
	MRN       string
	FirstName string
	LastName  string
	DOB       time.Time
}

// Report is the persisted investigation record. (PatientID, ExternalID) is
// unique; re-import of the same external report updates in place.
type Report struct {
	ID         int64
	PatientID  int64
	ExternalID string
	Title      string
	ReportDate *time.Time
	Body       string
	Source     string
	Confidence float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UpsertOutcome reports what a reconciliation write did.
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)
