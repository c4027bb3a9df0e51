package ports

import (
	"context"
	"time"

	"LabSync/internal/domain"
)

// Browser is the narrow capability surface the pipeline needs from a
// headless browser, so portal code can run against a fake in tests.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Content(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// BrowserFactory opens a fresh browser instance for a new portal session.
type BrowserFactory func(ctx context.Context) (Browser, error)

// DocumentSource lists and retrieves report documents from the portal.
type DocumentSource interface {
	List(ctx context.Context, filter domain.PatientFilter) ([]domain.DocumentRef, error)
	Fetch(ctx context.Context, ref domain.DocumentRef) (domain.RawDocument, error)
}

// Extractor converts one raw document into a structured report.
type Extractor interface {
	Extract(ctx context.Context, doc domain.RawDocument) (domain.ExtractedReport, error)
}

// VisionClient sends image or PDF bytes to the OCR/vision service.
type VisionClient interface {
	Analyze(ctx context.Context, body []byte, kind domain.ContentKind) (domain.VisionResult, error)
}

// PatientRegistry is the read/write slice of the patient store the
// pipeline touches for identity matching.
type PatientRegistry interface {
	GetPatient(ctx context.Context, id int64) (*domain.Patient, error)
	FindByExternalID(ctx context.Context, externalID string) (*domain.Patient, error)
	FindByDOB(ctx context.Context, dob time.Time) ([]domain.Patient, error)
	ListPatients(ctx context.Context) ([]domain.Patient, error)
	CreatePatient(ctx context.Context, p domain.Patient) (int64, error)
	RecordExternalID(ctx context.Context, patientID int64, externalID string) error
}

// ReportStore persists reconciled investigation reports.
type ReportStore interface {
	GetByExternalID(ctx context.Context, patientID int64, externalID string) (*domain.Report, error)
	Create(ctx context.Context, r domain.Report) error
	Update(ctx context.Context, r domain.Report) error
}

// Notifier pushes sync-run summaries to an operator channel.
type Notifier interface {
	PublishSummary(ctx context.Context, summary string) error
}

// Scheduler controls when background syncs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
