package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"LabSync/internal/domain"
)

// run tracks one sync execution through its state machine.
type run struct {
	mu         sync.Mutex
	id         string
	status     domain.RunStatus
	startedAt  time.Time
	finishedAt time.Time
	results    []domain.SyncResult
	errText    string
	cancel     context.CancelFunc
	cancelled  bool
}

func (r *run) snapshot() domain.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make([]domain.SyncResult, len(r.results))
	copy(results, r.results)
	return domain.RunSnapshot{
		ID:         r.id,
		Status:     r.status,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		Results:    results,
		Error:      r.errText,
	}
}

func (r *run) start() {
	r.mu.Lock()
	r.status = domain.RunRunning
	r.startedAt = time.Now()
	r.mu.Unlock()
}

func (r *run) addResult(result domain.SyncResult) {
	r.mu.Lock()
	r.results = append(r.results, result)
	r.mu.Unlock()
}

func (r *run) finish(status domain.RunStatus, errText string) {
	r.mu.Lock()
	r.status = status
	r.errText = errText
	r.finishedAt = time.Now()
	r.mu.Unlock()
}

func (r *run) markCancelled() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
}

func (r *run) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// RunRegistry keeps recent sync runs so callers can poll status after the
// trigger returned a run identifier.
type RunRegistry struct {
	mu     sync.RWMutex
	runs   map[string]*run
	lastID string
}

// NewRunRegistry builds an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: map[string]*run{}}
}

func (g *RunRegistry) create(cancel context.CancelFunc) *run {
	r := &run{
		id:     uuid.NewString(),
		status: domain.RunPending,
		cancel: cancel,
	}

	g.mu.Lock()
	g.runs[r.id] = r
	g.lastID = r.id
	g.mu.Unlock()
	return r
}

// Get returns a snapshot of the run with the given ID.
func (g *RunRegistry) Get(id string) (domain.RunSnapshot, bool) {
	g.mu.RLock()
	r, ok := g.runs[id]
	g.mu.RUnlock()
	if !ok {
		return domain.RunSnapshot{}, false
	}
	return r.snapshot(), true
}

// Last returns a snapshot of the most recently created run.
func (g *RunRegistry) Last() (domain.RunSnapshot, bool) {
	g.mu.RLock()
	id := g.lastID
	g.mu.RUnlock()
	if id == "" {
		return domain.RunSnapshot{}, false
	}
	return g.Get(id)
}

// Cancel stops dispatching new documents for the run. In-flight fetches
// finish; the rest is reported as skipped.
func (g *RunRegistry) Cancel(id string) bool {
	g.mu.RLock()
	r, ok := g.runs[id]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	r.markCancelled()
	return true
}
