package extract

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"LabSync/internal/domain"
)

// HTMLStrategy parses rendered portal report pages. The portal's field
// positions are stable; when the expected structure is absent the document
// fails as unparseable instead of being guessed at.
type HTMLStrategy struct{}

var _ Strategy = (*HTMLStrategy)(nil)

// NewHTMLStrategy builds the deterministic HTML parser.
func NewHTMLStrategy() *HTMLStrategy {
	return &HTMLStrategy{}
}

// Extract pulls report fields and the patient banner out of the page.
func (s *HTMLStrategy) Extract(_ context.Context, doc domain.RawDocument) (domain.ExtractedReport, error) {
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return domain.ExtractedReport{}, &domain.ExtractionError{Reason: domain.ReasonUnparseable, Err: err}
	}

	header := page.Find(".report-header").First()
	banner := page.Find(".patient-banner").First()

	title := strings.TrimSpace(header.Find(".report-title").First().Text())
	if header.Length() == 0 || banner.Length() == 0 || title == "" {
		return domain.ExtractedReport{}, &domain.ExtractionError{Reason: domain.ReasonUnparseable}
	}

	externalID, _ := header.Attr("data-report-id")
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		externalID = doc.Ref.ID
	}

	report := domain.ExtractedReport{
		ExternalID: externalID,
		Title:      title,
		ReportDate: parseDate(header.Find(".report-date").First().Text()),
		Confidence: 1,
		Source:     doc.Ref.URL,
		Identity:   parseBanner(banner),
	}

	page.Find("table.results tr").Each(func(_ int, row *goquery.Selection) {
		name := strings.TrimSpace(row.Find(".analyte").First().Text())
		value := strings.TrimSpace(row.Find(".value").First().Text())
		if name == "" || value == "" {
			return
		}
		report.Values = append(report.Values, domain.LabValue{
			Name:  name,
			Value: value,
			Unit:  strings.TrimSpace(row.Find(".unit").First().Text()),
		})
	})

	report.Body = strings.TrimSpace(page.Find(".report-body").First().Text())
	if report.Body == "" {
		report.Body = renderValues(report.Values)
	}

	return report, nil
}

// parseBanner reads the patient strip shown above every report. Names are
// rendered as "LAST, FIRST".
func parseBanner(banner *goquery.Selection) domain.PatientIdentityHint {
	hint := domain.PatientIdentityHint{
		ExternalID: strings.TrimSpace(banner.Find(".patient-id").First().Text()),
	}

	name := strings.TrimSpace(banner.Find(".patient-name").First().Text())
	if last, first, ok := strings.Cut(name, ","); ok {
		hint.LastName = strings.TrimSpace(last)
		hint.FirstName = strings.TrimSpace(first)
	} else {
		hint.LastName = name
	}

	hint.DOB = parseDate(banner.Find(".patient-dob").First().Text())
	return hint
}

// Slash dates try month-first before day-first, so an ambiguous value like
// 11/05/1990 resolves as November 5; day-first only wins when the first
// component cannot be a month.
var dateLayouts = []string{"2 Jan 2006", "02 Jan 2006", "2006-01-02", "01/02/2006", "02/01/2006"}

func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return &parsed
		}
	}
	return nil
}

func renderValues(values []domain.LabValue) string {
	var b strings.Builder
	for _, v := range values {
		b.WriteString(v.Name)
		b.WriteString(": ")
		b.WriteString(v.Value)
		if v.Unit != "" {
			b.WriteString(" ")
			b.WriteString(v.Unit)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
