// Package core implements the bulk mutation engine for OptionSet values.
// This package has no HTTP-handler dependencies and can be driven by any
// frontend.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jthorsen/optionset/internal/dataverse"
)

// MutationKind selects which remote operation a record requests.
type MutationKind string

const (
	KindInsert MutationKind = "insert"
	KindUpdate MutationKind = "update"
	KindDelete MutationKind = "delete"
)

// ParseMutationKind converts user input to a MutationKind.
func ParseMutationKind(s string) (MutationKind, error) {
	switch MutationKind(strings.ToLower(s)) {
	case KindInsert:
		return KindInsert, nil
	case KindUpdate:
		return KindUpdate, nil
	case KindDelete:
		return KindDelete, nil
	default:
		return "", fmt.Errorf("unknown mutation kind: %q", s)
	}
}

// MutationRecord is one requested change, immutable once constructed.
// It is the unit the engine batches.
type MutationRecord struct {
	Kind   MutationKind
	Target dataverse.OptionSetRef
	Option dataverse.OptionValue

	// MergeLabels applies to updates only; preserves other-locale labels.
	MergeLabels bool
}

// OutcomeStatus is the per-record result classification.
type OutcomeStatus string

const (
	StatusSucceeded OutcomeStatus = "succeeded"
	StatusSkipped   OutcomeStatus = "skipped"
	StatusFailed    OutcomeStatus = "failed"
)

// BatchOutcome records the result of one MutationRecord. Outcomes are
// reported in the same order as input records.
type BatchOutcome struct {
	Index     int           `json:"index"`
	Label     string        `json:"label"`
	Value     int           `json:"value"`
	Status    OutcomeStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// JobStatus is the job state machine:
// Pending -> Running -> {Completed, CompletedWithErrors, Cancelled, Aborted}.
// Terminal states are final; a terminated job is never resumed.
type JobStatus string

const (
	JobPending             JobStatus = "pending"
	JobRunning             JobStatus = "running"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobCancelled           JobStatus = "cancelled"
	JobAborted             JobStatus = "aborted"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithErrors, JobCancelled, JobAborted:
		return true
	}
	return false
}

// JobResult is the aggregated outcome of a bulk job. Partial progress is
// always reported, even when the job aborts early.
type JobResult struct {
	JobID        string                 `json:"jobId"`
	Kind         MutationKind           `json:"kind"`
	Target       dataverse.OptionSetRef `json:"target"`
	Status       JobStatus              `json:"status"`
	TotalRecords int                    `json:"totalRecords"`
	Succeeded    int                    `json:"succeeded"`
	Skipped      int                    `json:"skipped"`
	Failed       int                    `json:"failed"`
	Outcomes     []BatchOutcome         `json:"outcomes"`
	StartedAt    time.Time              `json:"startedAt"`
	Duration     time.Duration          `json:"duration"`
	Error        string                 `json:"error,omitempty"`
}

// JobProgress is the state streamed to observers while a job runs.
type JobProgress struct {
	JobID       string                 `json:"jobId"`
	Kind        MutationKind           `json:"kind"`
	Target      dataverse.OptionSetRef `json:"target"`
	Status      JobStatus              `json:"status"`
	Processed   int                    `json:"processed"`
	Total       int                    `json:"total"`
	Batch       int                    `json:"batch"`
	Batches     int                    `json:"batches"`
	Succeeded   int                    `json:"succeeded"`
	Skipped     int                    `json:"skipped"`
	Failed      int                    `json:"failed"`
	LastOutcome *BatchOutcome          `json:"lastOutcome,omitempty"`
	Message     string                 `json:"message,omitempty"`
}

// Percent returns progress as 0-100.
func (p JobProgress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	return (p.Processed * 100) / p.Total
}

// Observer receives engine events from the worker goroutine. Callers must
// marshal to their own context if needed; the engine never blocks on an
// observer.
type Observer interface {
	// OnProgress fires after every record with cumulative counts.
	OnProgress(processed, total int, last BatchOutcome)

	// OnBatch fires at each batch boundary.
	OnBatch(batch, batches int)

	// OnLog receives a timestamped human-readable line.
	OnLog(message string)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) OnProgress(int, int, BatchOutcome) {}
func (NopObserver) OnBatch(int, int)                  {}
func (NopObserver) OnLog(string)                      {}

// OptionClient is the subset of the remote client the engine invokes. One
// remote call per invocation; no batching or retry below this interface.
type OptionClient interface {
	InsertOption(ctx context.Context, target dataverse.OptionSetRef, opt dataverse.OptionValue) error
	UpdateOption(ctx context.Context, target dataverse.OptionSetRef, opt dataverse.OptionValue, mergeLabels bool) error
	DeleteOption(ctx context.Context, target dataverse.OptionSetRef, value int) error
	ExistingValues(ctx context.Context, target dataverse.OptionSetRef) (map[int]struct{}, error)
}

// TokenSource supplies valid bearer tokens. The engine only asks for a
// valid token; it never inspects expiry internals.
type TokenSource interface {
	Token(ctx context.Context) (dataverse.TokenState, error)
}

// HistoryRecorder persists finished jobs. Implementations are called from
// the worker goroutine.
type HistoryRecorder interface {
	RecordJob(ctx context.Context, result JobResult) error
}
