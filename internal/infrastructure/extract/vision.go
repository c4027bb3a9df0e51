package extract

import (
	"context"
	"fmt"

	"LabSync/internal/domain"
	"LabSync/internal/ports"
)

// VisionStrategy extracts scanned reports through the OCR/vision service.
// Results below the confidence threshold are rejected with the raw text
// attached for manual review instead of being imported.
type VisionStrategy struct {
	client    ports.VisionClient
	threshold float64
}

var _ Strategy = (*VisionStrategy)(nil)

// NewVisionStrategy wires the inference client and the confidence floor.
func NewVisionStrategy(client ports.VisionClient, threshold float64) *VisionStrategy {
	return &VisionStrategy{client: client, threshold: threshold}
}

// Extract runs inference on the document bytes and assembles a report from
// the returned fields and text.
func (s *VisionStrategy) Extract(ctx context.Context, doc domain.RawDocument) (domain.ExtractedReport, error) {
	if s.client == nil {
		return domain.ExtractedReport{}, &domain.ExtractionError{
			Reason: domain.ReasonUnsupportedKind,
			Err:    fmt.Errorf("vision client is not configured"),
		}
	}

	result, err := s.client.Analyze(ctx, doc.Body, doc.Kind)
	if err != nil {
		return domain.ExtractedReport{}, fmt.Errorf("vision inference: %w", err)
	}

	if result.Confidence < s.threshold {
		return domain.ExtractedReport{}, &domain.ExtractionError{
			Reason:  domain.ReasonLowConfidence,
			RawText: result.Text,
		}
	}

	report := domain.ExtractedReport{
		ExternalID: result.Fields["report_id"],
		Title:      result.Fields["title"],
		Body:       result.Text,
		Values:     ParseLabValues(result.Text),
		Confidence: result.Confidence,
		Source:     doc.Ref.URL,
		Identity:   identityFromFields(result),
	}

	// The portal document ID is the stable fallback so repeated extraction
	// of the same scan dedupes on the same key.
	if report.ExternalID == "" {
		report.ExternalID = doc.Ref.ID
	}
	if report.Title == "" {
		report.Title = doc.Ref.Title
	}
	if report.ReportDate = parseDate(result.Fields["report_date"]); report.ReportDate == nil {
		report.ReportDate = FindReportDate(result.Text)
	}

	return report, nil
}

func identityFromFields(result domain.VisionResult) domain.PatientIdentityHint {
	hint := domain.PatientIdentityHint{
		FirstName:  result.Fields["first_name"],
		LastName:   result.Fields["last_name"],
		ExternalID: result.Fields["patient_id"],
		DOB:        parseDate(result.Fields["dob"]),
	}

	if hint.FirstName == "" && hint.LastName == "" {
		hint.FirstName, hint.LastName = FindPatientName(result.Text)
	}
	if hint.DOB == nil {
		hint.DOB = FindDOB(result.Text)
	}

	return hint
}
