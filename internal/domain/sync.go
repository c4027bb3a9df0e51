package domain

import "time"

// MatchKind is the outcome class of an identity match.
type MatchKind string

const (
	MatchExact     MatchKind = "exact"
	MatchCandidate MatchKind = "candidate"
	MatchNone      MatchKind = "no-match"
)

// MatchResult resolves an identity hint against the patient registry.
// Ambiguous marks a NoMatch caused by several equally plausible candidates,
// which must be surfaced rather than silently resolved.
type MatchResult struct {
	Kind      MatchKind
	PatientID int64
	Score     float64
	Ambiguous bool
}

// RunStatus tracks a sync run through its state machine.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunCompleted       RunStatus = "completed"
	RunPartiallyFailed RunStatus = "partially_failed"
	RunFailed          RunStatus = "failed"
)

// DocumentFailure records one skipped or failed document with its reason.
type DocumentFailure struct {
	Ref    string
	Reason string
}

// SyncResult is the per-patient outcome of a sync run.
type SyncResult struct {
	PatientID int64
	Seen      int
	Extracted int
	Matched   int
	Imported  int
	Failures  []DocumentFailure
}

// Failed reports the number of documents that did not import.
func (r SyncResult) Failed() int {
	return len(r.Failures)
}

// RunSnapshot is a point-in-time view of a sync run for status polling.
type RunSnapshot struct {
	ID         string
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []SyncResult
	Error      string
}
