package matching

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"LabSync/internal/domain"
	"LabSync/internal/ports"
)

// Matcher resolves extracted identity hints against the patient registry.
// Exact external-ID links win outright; otherwise candidates are scored by
// normalized-name similarity with DOB equality required. DOB is the stronger
// signal: a name match with a differing DOB is never a candidate.
type Matcher struct {
	registry  ports.PatientRegistry
	threshold float64
	logger    *slog.Logger
}

// NewMatcher wires the registry and the minimum similarity threshold.
func NewMatcher(registry ports.PatientRegistry, threshold float64, logger *slog.Logger) *Matcher {
	return &Matcher{registry: registry, threshold: threshold, logger: logger}
}

// Match classifies a hint as Exact, Candidate, or NoMatch. Several
// equally-scored candidates are reported as an ambiguous NoMatch rather
// than guessed between.
func (m *Matcher) Match(ctx context.Context, hint domain.PatientIdentityHint) (domain.MatchResult, error) {
	if hint.ExternalID != "" {
		patient, err := m.registry.FindByExternalID(ctx, hint.ExternalID)
		if err != nil {
			return domain.MatchResult{}, fmt.Errorf("lookup external id %s: %w", hint.ExternalID, err)
		}
		if patient != nil {
			return domain.MatchResult{Kind: domain.MatchExact, PatientID: patient.ID, Score: 1}, nil
		}
	}

	if hint.DOB == nil || (hint.FirstName == "" && hint.LastName == "") {
		return domain.MatchResult{Kind: domain.MatchNone}, nil
	}

	candidates, err := m.registry.FindByDOB(ctx, *hint.DOB)
	if err != nil {
		return domain.MatchResult{}, fmt.Errorf("lookup candidates by dob: %w", err)
	}

	type scored struct {
		patient domain.Patient
		score   float64
	}

	var ranked []scored
	for _, candidate := range candidates {
		score := nameSimilarity(hint, candidate)
		if score >= m.threshold {
			ranked = append(ranked, scored{patient: candidate, score: score})
		}
	}

	if len(ranked) == 0 {
		return domain.MatchResult{Kind: domain.MatchNone}, nil
	}

	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	best := ranked[0]
	if len(ranked) > 1 && math.Abs(best.score-ranked[1].score) < 1e-9 {
		m.debug("ambiguous match",
			"first_candidate", best.patient.ID,
			"second_candidate", ranked[1].patient.ID,
			"score", best.score)
		return domain.MatchResult{Kind: domain.MatchNone, Ambiguous: true}, nil
	}

	return domain.MatchResult{
		Kind:      domain.MatchCandidate,
		PatientID: best.patient.ID,
		Score:     best.score,
	}, nil
}

// nameSimilarity averages Jaro-Winkler over the name parts the hint carries.
func nameSimilarity(hint domain.PatientIdentityHint, candidate domain.Patient) float64 {
	var total, parts float64

	if hint.LastName != "" {
		total += jaroWinkler(normalizeName(hint.LastName), normalizeName(candidate.LastName))
		parts++
	}
	if hint.FirstName != "" {
		total += jaroWinkler(normalizeName(hint.FirstName), normalizeName(candidate.FirstName))
		parts++
	}

	if parts == 0 {
		return 0
	}
	return total / parts
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func (m *Matcher) debug(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, args...)
	}
}
