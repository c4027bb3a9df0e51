package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"LabSync/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	reports map[string]domain.Report
	creates int
	updates int
}

func newMemStore() *memStore {
	return &memStore{reports: map[string]domain.Report{}}
}

func (s *memStore) key(patientID int64, externalID string) string {
	return fmt.Sprintf("%d/%s", patientID, externalID)
}

func (s *memStore) GetByExternalID(_ context.Context, patientID int64, externalID string) (*domain.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reports[s.key(patientID, externalID)]; ok {
		return &r, nil
	}
	return nil, nil
}

func (s *memStore) Create(_ context.Context, r domain.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.key(r.PatientID, r.ExternalID)
	if _, ok := s.reports[key]; ok {
		return errors.New("duplicate key")
	}
	s.creates++
	s.reports[key] = r
	return nil
}

func (s *memStore) Update(_ context.Context, r domain.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	s.reports[s.key(r.PatientID, r.ExternalID)] = r
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func TestUpsertIdempotent(t *testing.T) {
	store := newMemStore()
	reconciler := NewReconciler(store, nil)

	date := time.Date(2026, 2, 4, 0, 0, 0, 0, time.UTC)
	report := domain.ExtractedReport{
		ExternalID: "RPT-1",
		Title:      "Complete Blood Count",
		ReportDate: &date,
		Body:       "Hemoglobin: 13.5 g/dL",
	}

	outcome, err := reconciler.Upsert(context.Background(), 1, report)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeCreated, outcome)

	outcome, err = reconciler.Upsert(context.Background(), 1, report)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeUnchanged, outcome)

	require.Equal(t, 1, store.count())
	require.Equal(t, 1, store.creates)
	require.Equal(t, 0, store.updates)
}

func TestUpsertOverwritesChangedContent(t *testing.T) {
	store := newMemStore()
	reconciler := NewReconciler(store, nil)

	report := domain.ExtractedReport{ExternalID: "RPT-1", Title: "CBC", Body: "preliminary"}
	_, err := reconciler.Upsert(context.Background(), 1, report)
	require.NoError(t, err)

	report.Body = "final, amended"
	outcome, err := reconciler.Upsert(context.Background(), 1, report)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeUpdated, outcome)
	require.Equal(t, 1, store.updates)

	stored, err := store.GetByExternalID(context.Background(), 1, "RPT-1")
	require.NoError(t, err)
	require.Equal(t, "final, amended", stored.Body)
}

func TestUpsertSamePatientsAreIndependent(t *testing.T) {
	store := newMemStore()
	reconciler := NewReconciler(store, nil)

	report := domain.ExtractedReport{ExternalID: "RPT-1", Title: "CBC"}
	_, err := reconciler.Upsert(context.Background(), 1, report)
	require.NoError(t, err)
	outcome, err := reconciler.Upsert(context.Background(), 2, report)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeCreated, outcome)
	require.Equal(t, 2, store.count())
}

func TestUpsertSyntheticKey(t *testing.T) {
	store := newMemStore()
	reconciler := NewReconciler(store, nil)

	date := time.Date(2026, 2, 4, 0, 0, 0, 0, time.UTC)
	report := domain.ExtractedReport{Title: "Lipid Profile", ReportDate: &date}

	outcome, err := reconciler.Upsert(context.Background(), 7, report)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeCreated, outcome)

	// The derived key is deterministic, so a re-import dedupes on it.
	outcome, err = reconciler.Upsert(context.Background(), 7, report)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeUnchanged, outcome)
	require.Equal(t, 1, store.count())

	for key := range store.reports {
		require.True(t, strings.Contains(key, "/synth-"))
	}
}

// raceStore simulates a concurrent import winning the create between the
// read and the write.
type raceStore struct {
	memStore
	raced bool
	won   domain.Report
}

func (s *raceStore) GetByExternalID(ctx context.Context, patientID int64, externalID string) (*domain.Report, error) {
	if !s.raced {
		return nil, nil
	}
	r := s.won
	return &r, nil
}

func (s *raceStore) Create(_ context.Context, r domain.Report) error {
	s.raced = true
	s.won = r
	return errors.New("duplicate key value violates unique constraint")
}

func TestUpsertAbsorbsCreateRace(t *testing.T) {
	store := &raceStore{}
	reconciler := NewReconciler(store, nil)

	report := domain.ExtractedReport{ExternalID: "RPT-9", Title: "CBC", Body: "same"}
	outcome, err := reconciler.Upsert(context.Background(), 1, report)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeUnchanged, outcome)
}
