package domain

import (
	"errors"
	"fmt"
)

// Fatal pipeline errors. Either one aborts the whole sync run.
var (
	ErrAuth        = errors.New("portal authentication failed")
	ErrUnavailable = errors.New("portal unavailable")
)

// ErrSessionExpired signals that the portal bounced a navigation back to its
// login page. The session manager re-authenticates and retries on it.
var ErrSessionExpired = errors.New("portal session expired")

// ExtractReason classifies why a document could not be extracted.
type ExtractReason string

const (
	ReasonUnparseable     ExtractReason = "unparseable"
	ReasonLowConfidence   ExtractReason = "low-confidence"
	ReasonUnsupportedKind ExtractReason = "unsupported-kind"
)

// ExtractionError is a per-document, non-fatal failure. RawText carries the
// unvalidated OCR output on low-confidence results so it can be reviewed
// manually instead of being imported.
type ExtractionError struct {
	Reason  ExtractReason
	RawText string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("extraction failed (%s)", e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
