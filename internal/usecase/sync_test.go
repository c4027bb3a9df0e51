package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"LabSync/internal/config"
	"LabSync/internal/domain"
	"LabSync/internal/matching"
	"LabSync/internal/ports"
)

type stubRegistry struct {
	mu         sync.Mutex
	patients   map[int64]domain.Patient
	byExternal map[string]int64
	created    []domain.Patient
	nextID     int64
}

func newStubRegistry(patients ...domain.Patient) *stubRegistry {
	r := &stubRegistry{
		patients:   map[int64]domain.Patient{},
		byExternal: map[string]int64{},
		nextID:     100,
	}
	for _, p := range patients {
		r.patients[p.ID] = p
	}
	return r
}

func (r *stubRegistry) GetPatient(_ context.Context, id int64) (*domain.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.patients[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (r *stubRegistry) FindByExternalID(_ context.Context, externalID string) (*domain.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byExternal[externalID]; ok {
		p := r.patients[id]
		return &p, nil
	}
	return nil, nil
}

func (r *stubRegistry) FindByDOB(_ context.Context, dob time.Time) ([]domain.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Patient
	for _, p := range r.patients {
		if p.DOB.Equal(dob) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *stubRegistry) ListPatients(_ context.Context) ([]domain.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Patient
	for id := int64(0); id <= r.nextID; id++ {
		if p, ok := r.patients[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *stubRegistry) CreatePatient(_ context.Context, p domain.Patient) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	p.ID = r.nextID
	r.patients[p.ID] = p
	r.created = append(r.created, p)
	return p.ID, nil
}

func (r *stubRegistry) RecordExternalID(_ context.Context, patientID int64, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byExternal[externalID] = patientID
	return nil
}

type stubSource struct {
	mu          sync.Mutex
	refs        []domain.DocumentRef
	listErr     error
	fetchDelay  time.Duration
	inFlight    int
	maxInFlight int
	listCtx     context.Context

	listStarted chan struct{}
	listRelease chan struct{}
	startOnce   sync.Once
}

func (s *stubSource) List(ctx context.Context, _ domain.PatientFilter) ([]domain.DocumentRef, error) {
	s.mu.Lock()
	s.listCtx = ctx
	s.mu.Unlock()
	if s.listStarted != nil {
		s.startOnce.Do(func() { close(s.listStarted) })
	}
	if s.listRelease != nil {
		select {
		case <-s.listRelease:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.refs, nil
}

func (s *stubSource) Fetch(_ context.Context, ref domain.DocumentRef) (domain.RawDocument, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()

	if s.fetchDelay > 0 {
		time.Sleep(s.fetchDelay)
	}

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	return domain.RawDocument{Ref: ref, Kind: ref.Kind, FetchedAt: time.Now()}, nil
}

type stubExtractor struct {
	fn func(domain.RawDocument) (domain.ExtractedReport, error)
}

func (e stubExtractor) Extract(_ context.Context, doc domain.RawDocument) (domain.ExtractedReport, error) {
	return e.fn(doc)
}

func newTestOrchestrator(source ports.DocumentSource, extractor ports.Extractor, store ports.ReportStore, registry ports.PatientRegistry, cfg config.SyncConfig) *Orchestrator {
	return NewOrchestrator(Deps{
		Source:     source,
		Extractor:  extractor,
		Matcher:    matching.NewMatcher(registry, 0.85, nil),
		Reconciler: NewReconciler(store, nil),
		Registry:   registry,
		Config:     cfg,
	})
}

func extractByRefID(doc domain.RawDocument) (domain.ExtractedReport, error) {
	return domain.ExtractedReport{
		ExternalID: doc.Ref.ID,
		Title:      "Report " + doc.Ref.ID,
		Body:       "body of " + doc.Ref.ID,
	}, nil
}

func htmlRefs(ids ...string) []domain.DocumentRef {
	refs := make([]domain.DocumentRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, domain.DocumentRef{ID: id, Kind: domain.KindHTML})
	}
	return refs
}

func TestSyncPatientIsolatesDocumentFailures(t *testing.T) {
	registry := newStubRegistry(domain.Patient{ID: 1, MRN: "M1", LastName: "Sharma"})
	source := &stubSource{refs: htmlRefs("d1", "d2", "d3")}
	store := newMemStore()

	extractor := stubExtractor{fn: func(doc domain.RawDocument) (domain.ExtractedReport, error) {
		if doc.Ref.ID == "d3" {
			return domain.ExtractedReport{}, &domain.ExtractionError{Reason: domain.ReasonLowConfidence, RawText: "garbled"}
		}
		return extractByRefID(doc)
	}}

	orch := newTestOrchestrator(source, extractor, store, registry, config.SyncConfig{})

	result, err := orch.SyncPatient(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 3, result.Seen)
	require.Equal(t, 2, result.Extracted)
	require.Equal(t, 2, result.Imported)
	require.Len(t, result.Failures, 1)
	require.Equal(t, "d3", result.Failures[0].Ref)
	require.Equal(t, "low-confidence", result.Failures[0].Reason)
	require.Equal(t, 2, store.count())

	// One of three documents failed, which is over the default threshold.
	snap, ok := orch.LastRun()
	require.True(t, ok)
	require.Equal(t, domain.RunPartiallyFailed, snap.Status)
}

func TestSyncPatientSecondRunIsIdempotent(t *testing.T) {
	registry := newStubRegistry(domain.Patient{ID: 1, MRN: "M1"})
	source := &stubSource{refs: htmlRefs("d1", "d2")}
	store := newMemStore()
	orch := newTestOrchestrator(source, stubExtractor{fn: extractByRefID}, store, registry, config.SyncConfig{})

	first, err := orch.SyncPatient(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, first.Imported)

	second, err := orch.SyncPatient(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, second.Imported)
	require.Empty(t, second.Failures)

	require.Equal(t, 2, store.creates)
	require.Equal(t, 0, store.updates)

	snap, ok := orch.LastRun()
	require.True(t, ok)
	require.Equal(t, domain.RunCompleted, snap.Status)
}

func TestSyncPatientFatalListingFailsRun(t *testing.T) {
	registry := newStubRegistry(domain.Patient{ID: 1})
	source := &stubSource{listErr: fmt.Errorf("%w: portal returned 503", domain.ErrUnavailable)}
	orch := newTestOrchestrator(source, stubExtractor{fn: extractByRefID}, newMemStore(), registry, config.SyncConfig{})

	_, err := orch.SyncPatient(context.Background(), 1)
	require.True(t, errors.Is(err, domain.ErrUnavailable))

	snap, ok := orch.LastRun()
	require.True(t, ok)
	require.Equal(t, domain.RunFailed, snap.Status)
	require.NotEmpty(t, snap.Error)
}

func TestSyncPatientListingParseFailure(t *testing.T) {
	registry := newStubRegistry(domain.Patient{ID: 1})
	source := &stubSource{listErr: errors.New("parse listing page 1: listing table not found")}
	orch := newTestOrchestrator(source, stubExtractor{fn: extractByRefID}, newMemStore(), registry, config.SyncConfig{})

	// Portal markup drift makes the whole listing unreadable. That is not
	// run-fatal, but it must not pass for a clean empty run either.
	result, err := orch.SyncPatient(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 0, result.Seen)
	require.Len(t, result.Failures, 1)
	require.Equal(t, "listing", result.Failures[0].Ref)

	snap, ok := orch.LastRun()
	require.True(t, ok)
	require.Equal(t, domain.RunPartiallyFailed, snap.Status)
}

func TestStartSyncAllReleasesRunContext(t *testing.T) {
	registry := newStubRegistry(domain.Patient{ID: 1})
	source := &stubSource{refs: htmlRefs("d1")}
	orch := newTestOrchestrator(source, stubExtractor{fn: extractByRefID}, newMemStore(), registry, config.SyncConfig{})

	id, err := orch.StartSyncAll(context.Background())
	require.NoError(t, err)

	snap := waitForRun(t, orch, id)
	require.Equal(t, domain.RunCompleted, snap.Status)

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.listCtx != nil && source.listCtx.Err() != nil
	}, time.Second, time.Millisecond)
}

func TestSyncPatientUnknownPatient(t *testing.T) {
	orch := newTestOrchestrator(&stubSource{}, stubExtractor{fn: extractByRefID}, newMemStore(), newStubRegistry(), config.SyncConfig{})

	_, err := orch.SyncPatient(context.Background(), 42)
	require.Error(t, err)
}

func TestSyncRespectsWorkerLimit(t *testing.T) {
	registry := newStubRegistry(domain.Patient{ID: 1})
	source := &stubSource{
		refs:       htmlRefs("d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"),
		fetchDelay: 10 * time.Millisecond,
	}
	store := newMemStore()
	orch := newTestOrchestrator(source, stubExtractor{fn: extractByRefID}, store, registry, config.SyncConfig{Workers: 2})

	result, err := orch.SyncPatient(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 8, result.Imported)
	require.LessOrEqual(t, source.maxInFlight, 2)
}

func TestSyncRejectsIdentityMismatch(t *testing.T) {
	target := domain.Patient{ID: 1, LastName: "Sharma"}
	other := domain.Patient{ID: 2, LastName: "Verma"}
	registry := newStubRegistry(target, other)
	registry.byExternal["EXT-2"] = other.ID

	source := &stubSource{refs: htmlRefs("d1")}
	extractor := stubExtractor{fn: func(doc domain.RawDocument) (domain.ExtractedReport, error) {
		report, _ := extractByRefID(doc)
		report.Identity = domain.PatientIdentityHint{ExternalID: "EXT-2", LastName: "Verma"}
		return report, nil
	}}
	store := newMemStore()
	orch := newTestOrchestrator(source, extractor, store, registry, config.SyncConfig{})

	result, err := orch.SyncPatient(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, result.Extracted)
	require.Equal(t, 0, result.Imported)
	require.Len(t, result.Failures, 1)
	require.Equal(t, "identity-mismatch", result.Failures[0].Reason)
	require.Equal(t, 0, store.count())
}

func TestSyncUnmatchedPolicySkip(t *testing.T) {
	registry := newStubRegistry(domain.Patient{ID: 1, LastName: "Sharma"})
	dob := time.Date(1990, 5, 20, 0, 0, 0, 0, time.UTC)

	source := &stubSource{refs: htmlRefs("d1")}
	extractor := stubExtractor{fn: func(doc domain.RawDocument) (domain.ExtractedReport, error) {
		report, _ := extractByRefID(doc)
		report.Identity = domain.PatientIdentityHint{FirstName: "Unknown", LastName: "Person", DOB: &dob}
		return report, nil
	}}
	orch := newTestOrchestrator(source, extractor, newMemStore(), registry, config.SyncConfig{})

	result, err := orch.SyncPatient(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	require.Equal(t, "unmatched: skipped", result.Failures[0].Reason)
}

func TestSyncUnmatchedPolicyCreate(t *testing.T) {
	registry := newStubRegistry(domain.Patient{ID: 1, LastName: "Sharma"})
	dob := time.Date(1990, 5, 20, 0, 0, 0, 0, time.UTC)

	source := &stubSource{refs: htmlRefs("d1")}
	extractor := stubExtractor{fn: func(doc domain.RawDocument) (domain.ExtractedReport, error) {
		report, _ := extractByRefID(doc)
		report.Identity = domain.PatientIdentityHint{
			FirstName:  "Meera",
			LastName:   "Patil",
			DOB:        &dob,
			ExternalID: "EXT-9",
		}
		return report, nil
	}}
	store := newMemStore()
	orch := newTestOrchestrator(source, extractor, store, registry, config.SyncConfig{UnmatchedPolicy: "create"})

	result, err := orch.SyncPatient(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, registry.created, 1)
	require.Equal(t, "Patil", registry.created[0].LastName)
	require.Equal(t, registry.created[0].ID, registry.byExternal["EXT-9"])

	// The report lands under the freshly created patient.
	require.Equal(t, 1, result.Imported)
	stored, err := store.GetByExternalID(context.Background(), registry.created[0].ID, "d1")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestCancelRunSkipsRemainingDocuments(t *testing.T) {
	registry := newStubRegistry(
		domain.Patient{ID: 1, LastName: "Sharma"},
		domain.Patient{ID: 2, LastName: "Verma"},
	)
	source := &stubSource{
		refs:        htmlRefs("d1", "d2"),
		listStarted: make(chan struct{}),
		listRelease: make(chan struct{}),
	}
	orch := newTestOrchestrator(source, stubExtractor{fn: extractByRefID}, newMemStore(), registry, config.SyncConfig{Workers: 1})

	id, err := orch.StartSyncAll(context.Background())
	require.NoError(t, err)

	<-source.listStarted
	require.True(t, orch.CancelRun(id))
	close(source.listRelease)

	snap := waitForRun(t, orch, id)
	require.Equal(t, domain.RunPartiallyFailed, snap.Status)

	var skipped int
	var imported int
	for _, result := range snap.Results {
		imported += result.Imported
		for _, failure := range result.Failures {
			if failure.Reason == skippedCancelled {
				skipped++
			}
		}
	}
	require.Equal(t, 0, imported)
	require.NotZero(t, skipped)
}

func TestStartSyncAllCoversEveryPatient(t *testing.T) {
	registry := newStubRegistry(
		domain.Patient{ID: 1, LastName: "Sharma"},
		domain.Patient{ID: 2, LastName: "Verma"},
	)
	source := &stubSource{refs: htmlRefs("d1")}
	store := newMemStore()
	orch := newTestOrchestrator(source, stubExtractor{fn: extractByRefID}, store, registry, config.SyncConfig{})

	id, err := orch.StartSyncAll(context.Background())
	require.NoError(t, err)

	snap := waitForRun(t, orch, id)
	require.Equal(t, domain.RunCompleted, snap.Status)
	require.Len(t, snap.Results, 2)
	// The same external report seen for both patients stays separate rows.
	require.Equal(t, 2, store.count())
}

func TestImportReport(t *testing.T) {
	registry := newStubRegistry(domain.Patient{ID: 1, LastName: "Sharma"})
	store := newMemStore()
	orch := newTestOrchestrator(&stubSource{}, stubExtractor{fn: extractByRefID}, store, registry, config.SyncConfig{})

	doc := domain.RawDocument{Ref: domain.DocumentRef{ID: "upload-1"}, Kind: domain.KindHTML}
	report, err := orch.ImportReport(context.Background(), 1, doc)
	require.NoError(t, err)
	require.Equal(t, "upload-1", report.ExternalID)
	require.Equal(t, 1, store.count())

	_, err = orch.ImportReport(context.Background(), 99, doc)
	require.Error(t, err)
}

func TestImportReportSurfacesExtractionError(t *testing.T) {
	registry := newStubRegistry(domain.Patient{ID: 1})
	extractor := stubExtractor{fn: func(domain.RawDocument) (domain.ExtractedReport, error) {
		return domain.ExtractedReport{}, &domain.ExtractionError{Reason: domain.ReasonUnparseable}
	}}
	orch := newTestOrchestrator(&stubSource{}, extractor, newMemStore(), registry, config.SyncConfig{})

	_, err := orch.ImportReport(context.Background(), 1, domain.RawDocument{Kind: domain.KindHTML})
	var extractErr *domain.ExtractionError
	require.True(t, errors.As(err, &extractErr))
	require.Equal(t, domain.ReasonUnparseable, extractErr.Reason)
}

func waitForRun(t *testing.T, orch *Orchestrator, id string) domain.RunSnapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := orch.RunStatus(id)
		require.True(t, ok)
		if snap.Status != domain.RunPending && snap.Status != domain.RunRunning {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run did not finish in time")
	return domain.RunSnapshot{}
}
