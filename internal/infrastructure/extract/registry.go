package extract

import (
	"context"

	"LabSync/internal/domain"
	"LabSync/internal/ports"
)

// Strategy converts one kind of raw document into a structured report.
type Strategy interface {
	Extract(ctx context.Context, doc domain.RawDocument) (domain.ExtractedReport, error)
}

// Registry dispatches extraction by document kind. Reconciliation and
// orchestration stay agnostic of which strategy produced a report.
type Registry struct {
	strategies map[domain.ContentKind]Strategy
}

var _ ports.Extractor = (*Registry)(nil)

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: map[domain.ContentKind]Strategy{}}
}

// Register adds or replaces the strategy for a document kind.
func (r *Registry) Register(kind domain.ContentKind, strategy Strategy) {
	if r.strategies == nil {
		r.strategies = map[domain.ContentKind]Strategy{}
	}
	r.strategies[kind] = strategy
}

// Extract routes the document to its strategy. Unknown kinds fail with an
// unsupported-kind extraction error, never a fatal one.
func (r *Registry) Extract(ctx context.Context, doc domain.RawDocument) (domain.ExtractedReport, error) {
	strategy, ok := r.strategies[doc.Kind]
	if !ok {
		return domain.ExtractedReport{}, &domain.ExtractionError{Reason: domain.ReasonUnsupportedKind}
	}
	return strategy.Extract(ctx, doc)
}
