package extract

import (
	"regexp"
	"strings"
	"time"

	"LabSync/internal/domain"
)

// OCR output is line-oriented free text; known analytes are recovered with
// per-analyte patterns rather than positional parsing.
var analytePatterns = []struct {
	name    string
	pattern *regexp.Regexp
	unit    string
}{
	{"Hemoglobin", regexp.MustCompile(`(?i)HA?EMOGLOBIN[^0-9]*([0-9.]+)`), "g/dL"},
	{"Platelet Count", regexp.MustCompile(`(?i)PLATELETS?(?:\s+COUNT)?[^0-9]*([0-9,]+)`), "/cumm"},
	{"WBC Count", regexp.MustCompile(`(?i)(?:WBC|TOTAL LEUKOCYTE)[^0-9]*([0-9,]+)`), "/cumm"},
	{"ESR", regexp.MustCompile(`(?i)\bESR\b[^0-9]*([0-9]+)`), "mm/hr"},
	{"Glucose", regexp.MustCompile(`(?i)GLUCOSE[^0-9]*([0-9.]+)`), "mg/dL"},
	{"Creatinine", regexp.MustCompile(`(?i)CREATININE[^0-9]*([0-9.]+)`), "mg/dL"},
}

var (
	genericValueLine = regexp.MustCompile(`(?m)^([A-Za-z][A-Za-z ()/-]{2,40}?)\s*[:=]\s*([0-9][0-9.,]*)\s*([A-Za-z/%µ]*)\s*$`)
	namePattern      = regexp.MustCompile(`(?i)(?:PATIENT\s*NAME|NAME)\s*[:\-]\s*([A-Za-z]+)[,\s]+([A-Za-z]+)`)
	dobPattern       = regexp.MustCompile(`(?i)(?:DOB|DATE OF BIRTH)\s*[:\-]\s*([0-9]{1,2}[/-][0-9]{1,2}[/-][0-9]{4}|[0-9]{4}-[0-9]{2}-[0-9]{2})`)
	reportDatePat    = regexp.MustCompile(`(?i)(?:REPORT(?:ED)?\s*(?:DATE|ON))\s*[:\-]\s*([0-9]{1,2}\s+[A-Za-z]{3}\s+[0-9]{4}|[0-9]{4}-[0-9]{2}-[0-9]{2}|[0-9]{1,2}/[0-9]{1,2}/[0-9]{4})`)
)

// ParseLabValues recovers analyte results from OCR text. Known analytes are
// matched first; remaining "name: value unit" lines are taken as-is.
func ParseLabValues(text string) []domain.LabValue {
	var values []domain.LabValue
	seen := map[string]struct{}{}

	for _, analyte := range analytePatterns {
		match := analyte.pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		values = append(values, domain.LabValue{
			Name:  analyte.name,
			Value: strings.ReplaceAll(strings.TrimSpace(match[1]), ",", ""),
			Unit:  analyte.unit,
		})
		seen[strings.ToLower(analyte.name)] = struct{}{}
	}

	for _, match := range genericValueLine.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(match[1])
		if _, ok := seen[strings.ToLower(name)]; ok {
			continue
		}
		seen[strings.ToLower(name)] = struct{}{}
		values = append(values, domain.LabValue{
			Name:  name,
			Value: strings.ReplaceAll(match[2], ",", ""),
			Unit:  strings.TrimSpace(match[3]),
		})
	}

	return values
}

// FindPatientName looks for a labeled "Name: Last, First" line.
func FindPatientName(text string) (first, last string) {
	match := namePattern.FindStringSubmatch(text)
	if match == nil {
		return "", ""
	}
	// Labeled names follow the portal's "LAST, FIRST" convention.
	return strings.TrimSpace(match[2]), strings.TrimSpace(match[1])
}

// FindDOB looks for a labeled date-of-birth line.
func FindDOB(text string) *time.Time {
	match := dobPattern.FindStringSubmatch(text)
	if match == nil {
		return nil
	}
	return parseDate(normalizeDateSeparators(match[1]))
}

// FindReportDate looks for a labeled report date line.
func FindReportDate(text string) *time.Time {
	match := reportDatePat.FindStringSubmatch(text)
	if match == nil {
		return nil
	}
	return parseDate(normalizeDateSeparators(match[1]))
}

// normalizeDateSeparators rewrites dash-separated numeric dates to the slash
// form parseDate knows; ISO dates (4-digit year first) pass through. The
// month-first-then-day-first order of parseDate applies afterwards.
func normalizeDateSeparators(raw string) string {
	iso := len(raw) > 4 && raw[4] == '-'
	if strings.Count(raw, "-") == 2 && !iso {
		return strings.ReplaceAll(raw, "-", "/")
	}
	return raw
}
