package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"LabSync/internal/config"
	"LabSync/internal/domain"
	"LabSync/internal/matching"
	"LabSync/internal/ports"
)

const skippedCancelled = "skipped: cancelled"

// Deps wires all collaborators into the sync orchestrator.
type Deps struct {
	Source     ports.DocumentSource
	Extractor  ports.Extractor
	Matcher    *matching.Matcher
	Reconciler *Reconciler
	Registry   ports.PatientRegistry
	Notifier   ports.Notifier
	Config     config.SyncConfig
	Logger     *slog.Logger
}

// Orchestrator coordinates fetch, extraction, matching, and reconciliation
// across single-patient and all-patient sync runs. Per-document failures are
// isolated and recorded; only auth or availability errors fail a run.
type Orchestrator struct {
	source     ports.DocumentSource
	extractor  ports.Extractor
	matcher    *matching.Matcher
	reconciler *Reconciler
	registry   ports.PatientRegistry
	notifier   ports.Notifier
	cfg        config.SyncConfig
	logger     *slog.Logger
	runs       *RunRegistry
}

// NewOrchestrator constructs the orchestration component.
func NewOrchestrator(deps Deps) *Orchestrator {
	cfg := deps.Config
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PartialFailureThreshold <= 0 {
		cfg.PartialFailureThreshold = 0.25
	}
	return &Orchestrator{
		source:     deps.Source,
		extractor:  deps.Extractor,
		matcher:    deps.Matcher,
		reconciler: deps.Reconciler,
		registry:   deps.Registry,
		notifier:   deps.Notifier,
		cfg:        cfg,
		logger:     deps.Logger,
		runs:       NewRunRegistry(),
	}
}

// RunStatus returns a snapshot of the run with the given identifier.
func (o *Orchestrator) RunStatus(id string) (domain.RunSnapshot, bool) {
	return o.runs.Get(id)
}

// LastRun returns a snapshot of the most recent run.
func (o *Orchestrator) LastRun() (domain.RunSnapshot, bool) {
	return o.runs.Last()
}

// CancelRun stops dispatching new documents for a run. In-flight documents
// finish and the remainder is reported as skipped.
func (o *Orchestrator) CancelRun(id string) bool {
	return o.runs.Cancel(id)
}

// ImportReport runs the extract-and-reconcile path for one manually
// supplied document, attributed to an explicitly chosen patient.
func (o *Orchestrator) ImportReport(ctx context.Context, patientID int64, doc domain.RawDocument) (domain.ExtractedReport, error) {
	patient, err := o.registry.GetPatient(ctx, patientID)
	if err != nil {
		return domain.ExtractedReport{}, fmt.Errorf("load patient %d: %w", patientID, err)
	}
	if patient == nil {
		return domain.ExtractedReport{}, fmt.Errorf("patient %d not found", patientID)
	}

	report, err := o.extractor.Extract(ctx, doc)
	if err != nil {
		return domain.ExtractedReport{}, err
	}

	outcome, err := o.reconciler.Upsert(ctx, patientID, report)
	if err != nil {
		return domain.ExtractedReport{}, err
	}
	o.info("imported report", "patient_id", patientID, "external_id", report.ExternalID, "outcome", outcome)
	return report, nil
}

// SyncPatient performs a synchronous run over one patient's documents.
func (o *Orchestrator) SyncPatient(ctx context.Context, patientID int64) (domain.SyncResult, error) {
	patient, err := o.registry.GetPatient(ctx, patientID)
	if err != nil {
		return domain.SyncResult{}, fmt.Errorf("load patient %d: %w", patientID, err)
	}
	if patient == nil {
		return domain.SyncResult{}, fmt.Errorf("patient %d not found", patientID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := o.runs.create(cancel)
	r.start()

	result, fatal := o.syncOne(runCtx, r, *patient)
	r.addResult(result)
	o.finishRun(r, fatal)
	o.notify(r)

	if fatal != nil {
		return result, fatal
	}
	return result, nil
}

// StartSyncAll triggers a background run across every registered patient
// and returns its identifier for status polling.
func (o *Orchestrator) StartSyncAll(ctx context.Context) (string, error) {
	patients, err := o.registry.ListPatients(ctx)
	if err != nil {
		return "", fmt.Errorf("list patients: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := o.runs.create(cancel)
	go o.runAll(runCtx, r, patients)
	return r.id, nil
}

func (o *Orchestrator) runAll(ctx context.Context, r *run, patients []domain.Patient) {
	// Release the run context once the run is over, whether or not anyone
	// cancelled it.
	defer r.cancel()
	r.start()

	var fatal error
	for _, patient := range patients {
		if fatal != nil {
			break
		}
		if r.wasCancelled() || ctx.Err() != nil {
			r.addResult(domain.SyncResult{
				PatientID: patient.ID,
				Failures:  []domain.DocumentFailure{{Ref: "*", Reason: skippedCancelled}},
			})
			continue
		}

		result, err := o.syncOne(ctx, r, patient)
		r.addResult(result)
		if err != nil {
			// Auth and availability errors are run-fatal; anything else was
			// already recorded against the patient.
			fatal = err
		}
	}

	o.finishRun(r, fatal)
	o.notify(r)
}

// syncOne processes one patient's document set. The returned error is
// non-nil only for run-fatal conditions.
func (o *Orchestrator) syncOne(ctx context.Context, r *run, patient domain.Patient) (domain.SyncResult, error) {
	result := domain.SyncResult{PatientID: patient.ID}

	refs, err := o.source.List(ctx, domain.PatientFilter{MRN: patient.MRN, LastName: patient.LastName})
	if err != nil {
		if isFatal(err) {
			return result, err
		}
		result.Failures = append(result.Failures, domain.DocumentFailure{Ref: "listing", Reason: err.Error()})
		return result, nil
	}

	result.Seen = len(refs)
	if len(refs) == 0 {
		return result, nil
	}

	workers := o.cfg.Workers
	if workers > len(refs) {
		workers = len(refs)
	}

	jobs := make(chan domain.DocumentRef)
	outcomes := make(chan docOutcome, len(refs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range jobs {
				outcomes <- o.processDocument(ctx, patient, ref)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, ref := range refs {
			if r.wasCancelled() || ctx.Err() != nil {
				outcomes <- docOutcome{failure: &domain.DocumentFailure{Ref: ref.ID, Reason: skippedCancelled}}
				continue
			}
			jobs <- ref
		}
	}()

	var fatal error
	for i := 0; i < len(refs); i++ {
		out := <-outcomes
		if out.extracted {
			result.Extracted++
		}
		if out.matched {
			result.Matched++
		}
		if out.imported {
			result.Imported++
		}
		if out.failure != nil {
			result.Failures = append(result.Failures, *out.failure)
		}
		if out.fatal != nil && fatal == nil {
			fatal = out.fatal
		}
	}
	wg.Wait()

	return result, fatal
}

type docOutcome struct {
	extracted bool
	matched   bool
	imported  bool
	failure   *domain.DocumentFailure
	fatal     error
}

func (o *Orchestrator) processDocument(ctx context.Context, patient domain.Patient, ref domain.DocumentRef) docOutcome {
	doc, err := o.source.Fetch(ctx, ref)
	if err != nil {
		if isFatal(err) {
			return docOutcome{fatal: err, failure: &domain.DocumentFailure{Ref: ref.ID, Reason: fmt.Sprintf("fetch: %v", err)}}
		}
		if ctx.Err() != nil {
			return docOutcome{failure: &domain.DocumentFailure{Ref: ref.ID, Reason: skippedCancelled}}
		}
		return docOutcome{failure: &domain.DocumentFailure{Ref: ref.ID, Reason: fmt.Sprintf("fetch: %v", err)}}
	}

	report, err := o.extractor.Extract(ctx, doc)
	if err != nil {
		var extractErr *domain.ExtractionError
		if errors.As(err, &extractErr) {
			return docOutcome{failure: &domain.DocumentFailure{Ref: ref.ID, Reason: string(extractErr.Reason)}}
		}
		if isFatal(err) {
			return docOutcome{fatal: err, failure: &domain.DocumentFailure{Ref: ref.ID, Reason: fmt.Sprintf("extract: %v", err)}}
		}
		return docOutcome{failure: &domain.DocumentFailure{Ref: ref.ID, Reason: fmt.Sprintf("extract: %v", err)}}
	}

	patientID, failReason := o.resolvePatient(ctx, patient, report)
	if failReason != "" {
		return docOutcome{extracted: true, failure: &domain.DocumentFailure{Ref: ref.ID, Reason: failReason}}
	}

	if _, err := o.reconciler.Upsert(ctx, patientID, report); err != nil {
		return docOutcome{
			extracted: true, matched: true,
			failure: &domain.DocumentFailure{Ref: ref.ID, Reason: fmt.Sprintf("reconcile: %v", err)},
		}
	}
	return docOutcome{extracted: true, matched: true, imported: true}
}

// resolvePatient turns the extracted identity into a patient ID, or a
// failure reason when the configured policy keeps the document out.
func (o *Orchestrator) resolvePatient(ctx context.Context, target domain.Patient, report domain.ExtractedReport) (int64, string) {
	hint := report.Identity
	empty := hint.ExternalID == "" && hint.FirstName == "" && hint.LastName == ""
	if empty && target.ID != 0 {
		// The listing was already scoped to the target patient; a report
		// with no banner at all is attributed to them.
		return target.ID, ""
	}

	match, err := o.matcher.Match(ctx, hint)
	if err != nil {
		return 0, fmt.Sprintf("match: %v", err)
	}

	switch match.Kind {
	case domain.MatchExact, domain.MatchCandidate:
		if target.ID != 0 && match.PatientID != target.ID {
			return 0, "identity-mismatch"
		}
		if match.Kind == domain.MatchCandidate && hint.ExternalID != "" {
			if err := o.registry.RecordExternalID(ctx, match.PatientID, hint.ExternalID); err != nil {
				o.info("recording external id failed", "external_id", hint.ExternalID, "error", err)
			}
		}
		return match.PatientID, ""
	default:
		if match.Ambiguous {
			return 0, "match: ambiguous"
		}
		return o.applyUnmatchedPolicy(ctx, hint)
	}
}

func (o *Orchestrator) applyUnmatchedPolicy(ctx context.Context, hint domain.PatientIdentityHint) (int64, string) {
	switch o.cfg.UnmatchedPolicy {
	case "create":
		if hint.LastName == "" || hint.DOB == nil {
			return 0, "unmatched: insufficient identity to create"
		}
		id, err := o.registry.CreatePatient(ctx, domain.Patient{
			FirstName: hint.FirstName,
			LastName:  hint.LastName,
			DOB:       *hint.DOB,
		})
		if err != nil {
			return 0, fmt.Sprintf("create patient: %v", err)
		}
		if hint.ExternalID != "" {
			if err := o.registry.RecordExternalID(ctx, id, hint.ExternalID); err != nil {
				o.info("recording external id failed", "external_id", hint.ExternalID, "error", err)
			}
		}
		o.info("created patient for unmatched report", "patient_id", id, "last_name", hint.LastName)
		return id, ""
	case "review":
		return 0, "unmatched: queued for review"
	default:
		return 0, "unmatched: skipped"
	}
}

// finishRun closes the state machine: fatal errors fail the run, a
// cancellation or an over-threshold failure fraction is PartiallyFailed.
func (o *Orchestrator) finishRun(r *run, fatal error) {
	if fatal != nil {
		r.finish(domain.RunFailed, fatal.Error())
		return
	}

	var seen, failed int
	for _, result := range r.snapshot().Results {
		seen += result.Seen
		failed += result.Failed()
	}

	switch {
	case r.wasCancelled():
		r.finish(domain.RunPartiallyFailed, "")
	case failed == 0:
		r.finish(domain.RunCompleted, "")
	case seen == 0, float64(failed)/float64(seen) >= o.cfg.PartialFailureThreshold:
		r.finish(domain.RunPartiallyFailed, "")
	default:
		r.finish(domain.RunCompleted, "")
	}
}

func (o *Orchestrator) notify(r *run) {
	if o.notifier == nil {
		return
	}

	snap := r.snapshot()
	var imported, failed int
	for _, result := range snap.Results {
		imported += result.Imported
		failed += result.Failed()
	}
	summary := fmt.Sprintf("lab sync %s finished %s: %d patients, %d imported, %d failed",
		snap.ID, snap.Status, len(snap.Results), imported, failed)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.notifier.PublishSummary(ctx, summary); err != nil {
		o.info("publishing sync summary failed", "error", err)
	}
}

func isFatal(err error) bool {
	return errors.Is(err, domain.ErrAuth) || errors.Is(err, domain.ErrUnavailable)
}

func (o *Orchestrator) info(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Info(msg, args...)
	}
}
