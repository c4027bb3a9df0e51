package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"LabSync/internal/domain"
	"LabSync/internal/ports"
)

// Reconciler merges extracted reports into the store with idempotent
// upserts keyed on (patientID, externalID). Importing identical content
// twice yields unchanged; differing content overwrites, last write wins.
type Reconciler struct {
	store  ports.ReportStore
	logger *slog.Logger

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// NewReconciler wires the report store.
func NewReconciler(store ports.ReportStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		logger: logger,
		keys:   map[string]*sync.Mutex{},
	}
}

// Upsert writes one extracted report for a resolved patient and reports
// whether it created, updated, or left the stored record unchanged.
func (r *Reconciler) Upsert(ctx context.Context, patientID int64, report domain.ExtractedReport) (domain.UpsertOutcome, error) {
	externalID := report.ExternalID
	if externalID == "" {
		externalID = syntheticKey(patientID, report)
		// The synthetic key weakens dedupe: two distinct same-day reports
		// with the same title would collide on it.
		r.warn("report has no external id, falling back to synthetic key",
			"patient_id", patientID, "key", externalID, "title", report.Title)
	}

	unlock := r.lockKey(patientID, externalID)
	defer unlock()

	next := domain.Report{
		PatientID:  patientID,
		ExternalID: externalID,
		Title:      report.Title,
		ReportDate: report.ReportDate,
		Body:       report.Body,
		Source:     report.Source,
		Confidence: report.Confidence,
	}

	stored, err := r.store.GetByExternalID(ctx, patientID, externalID)
	if err != nil {
		return "", fmt.Errorf("load stored report: %w", err)
	}

	if stored == nil {
		if createErr := r.store.Create(ctx, next); createErr != nil {
			// A concurrent import may have won the create; re-read before
			// treating the error as real.
			stored, err = r.store.GetByExternalID(ctx, patientID, externalID)
			if err != nil || stored == nil {
				return "", fmt.Errorf("create report: %w", createErr)
			}
		} else {
			return domain.OutcomeCreated, nil
		}
	}

	if sameContent(*stored, next) {
		return domain.OutcomeUnchanged, nil
	}

	r.warn("stored report content differs, overwriting",
		"patient_id", patientID, "external_id", externalID, "title", next.Title)
	if err := r.store.Update(ctx, next); err != nil {
		return "", fmt.Errorf("update report: %w", err)
	}
	return domain.OutcomeUpdated, nil
}

// lockKey serializes concurrent upserts for the same (patient, external ID)
// pair; different pairs proceed independently.
func (r *Reconciler) lockKey(patientID int64, externalID string) func() {
	key := fmt.Sprintf("%d/%s", patientID, externalID)

	r.mu.Lock()
	lock, ok := r.keys[key]
	if !ok {
		lock = &sync.Mutex{}
		r.keys[key] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// syntheticKey derives a deterministic upsert key from title, date, and
// patient when the source carried no external report ID.
func syntheticKey(patientID int64, report domain.ExtractedReport) string {
	date := ""
	if report.ReportDate != nil {
		date = report.ReportDate.Format("2006-01-02")
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", report.Title, date, patientID))
	return "synth-" + hex.EncodeToString(sum[:8])
}

func sameContent(stored, next domain.Report) bool {
	if stored.Title != next.Title || stored.Body != next.Body {
		return false
	}
	switch {
	case stored.ReportDate == nil && next.ReportDate == nil:
		return true
	case stored.ReportDate == nil || next.ReportDate == nil:
		return false
	default:
		return stored.ReportDate.Equal(*next.ReportDate)
	}
}

func (r *Reconciler) warn(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}
