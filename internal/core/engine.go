package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jthorsen/optionset/internal/dataverse"
)

// Engine defaults. Batch size matches the Dataverse recommendation for
// metadata mutations.
const (
	DefaultBatchSize    = 50
	DefaultMaxRetries   = 2
	DefaultRetryBackoff = 500 * time.Millisecond
)

// EngineConfig tunes the bulk engine. Zero values select defaults.
type EngineConfig struct {
	// BatchSize is the number of records per batch. Cancellation and token
	// freshness are checked at batch boundaries.
	BatchSize int

	// MaxRetries is the number of extra attempts after a transient failure.
	MaxRetries int

	// RetryBackoff is the wait between attempts, multiplied by the attempt
	// number.
	RetryBackoff time.Duration

	// SafeInsert skips inserts whose value already exists in the target
	// instead of failing them.
	SafeInsert bool
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// Engine executes bulk mutation jobs: it partitions records into batches,
// refreshes the token at batch boundaries, applies each record with bounded
// retries, and classifies every record into exactly one outcome.
type Engine struct {
	client OptionClient
	tokens TokenSource
	cfg    EngineConfig

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(context.Context, time.Duration)
}

// NewEngine builds an Engine around a remote client and token source.
func NewEngine(client OptionClient, tokens TokenSource, cfg EngineConfig) *Engine {
	return &Engine{
		client: client,
		tokens: tokens,
		cfg:    cfg.withDefaults(),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// jobState carries the mutable bookkeeping for one Run.
type jobState struct {
	result JobResult

	// inserted tracks values confirmed present per target, keyed by
	// target.String(). Seeded lazily from ExistingValues on first insert
	// against each target.
	inserted map[string]map[int]struct{}
}

func (s *jobState) record(idx int, rec MutationRecord, status OutcomeStatus, reason string) BatchOutcome {
	o := BatchOutcome{
		Index:     idx,
		Label:     rec.Option.Label,
		Value:     rec.Option.Value,
		Status:    status,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	s.result.Outcomes = append(s.result.Outcomes, o)
	switch status {
	case StatusSucceeded:
		s.result.Succeeded++
	case StatusSkipped:
		s.result.Skipped++
	case StatusFailed:
		s.result.Failed++
	}
	return o
}

// Run executes records as one job and blocks until it reaches a terminal
// status. Outcomes are reported in input order. On cancellation the result
// holds only the records processed so far; on an authentication abort every
// remaining record is marked Failed instead.
//
// Cancellation is observed through ctx at batch and record boundaries;
// records already submitted are never rolled back.
func (e *Engine) Run(ctx context.Context, jobID string, kind MutationKind, records []MutationRecord, obs Observer) JobResult {
	if obs == nil {
		obs = NopObserver{}
	}

	start := time.Now().UTC()
	st := &jobState{
		result: JobResult{
			JobID:        jobID,
			Kind:         kind,
			Status:       JobRunning,
			TotalRecords: len(records),
			Outcomes:     make([]BatchOutcome, 0, len(records)),
			StartedAt:    start,
		},
		inserted: make(map[string]map[int]struct{}),
	}
	if len(records) > 0 {
		st.result.Target = records[0].Target
	}

	batches := (len(records) + e.cfg.BatchSize - 1) / e.cfg.BatchSize
	obs.OnLog(fmt.Sprintf("job %s started: %d records in %d batches", jobID, len(records), batches))

	for b := 0; b < batches; b++ {
		lo := b * e.cfg.BatchSize
		hi := lo + e.cfg.BatchSize
		if hi > len(records) {
			hi = len(records)
		}

		if ctx.Err() != nil {
			st.result.Status = JobCancelled
			obs.OnLog(fmt.Sprintf("job %s cancelled after %d of %d records", jobID, len(st.result.Outcomes), len(records)))
			return e.finish(st, start)
		}

		// Token freshness is checked once per batch so a long job never
		// submits with an expired bearer.
		if _, err := e.tokens.Token(ctx); err != nil {
			e.markRemaining(st, records, lo, StatusFailed, "authentication: "+err.Error())
			st.result.Status = JobAborted
			st.result.Error = err.Error()
			obs.OnLog(fmt.Sprintf("job %s aborted: %v", jobID, err))
			return e.finish(st, start)
		}

		for i := lo; i < hi; i++ {
			// Cancelled records are left out of the result entirely; only
			// already-submitted records keep their outcomes.
			if ctx.Err() != nil {
				st.result.Status = JobCancelled
				obs.OnLog(fmt.Sprintf("job %s cancelled after %d of %d records", jobID, len(st.result.Outcomes), len(records)))
				return e.finish(st, start)
			}

			outcome, fatal := e.apply(ctx, st, i, records[i])
			obs.OnProgress(i+1, len(records), outcome)

			if fatal != nil {
				e.markRemaining(st, records, i+1, StatusFailed, "authentication: "+fatal.Error())
				st.result.Status = JobAborted
				st.result.Error = fatal.Error()
				obs.OnLog(fmt.Sprintf("job %s aborted: %v", jobID, fatal))
				return e.finish(st, start)
			}
		}

		obs.OnBatch(b+1, batches)
	}

	if st.result.Failed > 0 {
		st.result.Status = JobCompletedWithErrors
	} else {
		st.result.Status = JobCompleted
	}
	obs.OnLog(fmt.Sprintf("job %s finished: %d succeeded, %d skipped, %d failed",
		jobID, st.result.Succeeded, st.result.Skipped, st.result.Failed))
	return e.finish(st, start)
}

func (e *Engine) finish(st *jobState, start time.Time) JobResult {
	st.result.Duration = time.Since(start)
	return st.result
}

// markRemaining assigns one outcome to every record from index from onward.
func (e *Engine) markRemaining(st *jobState, records []MutationRecord, from int, status OutcomeStatus, reason string) {
	for i := from; i < len(records); i++ {
		st.record(i, records[i], status, reason)
	}
}

// apply executes one record with retries. A non-nil fatal error means the
// job must abort; everything else is folded into the outcome.
func (e *Engine) apply(ctx context.Context, st *jobState, idx int, rec MutationRecord) (BatchOutcome, error) {
	if rec.Kind == KindInsert && e.cfg.SafeInsert {
		known, err := e.knownValues(ctx, st, rec.Target)
		if err != nil {
			if dataverse.IsAuth(err) {
				return st.record(idx, rec, StatusFailed, "authentication: "+err.Error()), err
			}
			return st.record(idx, rec, StatusFailed, err.Error()), nil
		}
		if _, dup := known[rec.Option.Value]; dup {
			return st.record(idx, rec, StatusSkipped, "value already exists"), nil
		}
	}

	var err error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.sleep(ctx, time.Duration(attempt)*e.cfg.RetryBackoff)
		}
		err = e.call(ctx, rec)
		if err == nil || !dataverse.IsTransient(err) {
			break
		}
	}

	switch {
	case err == nil:
		if rec.Kind == KindInsert && e.cfg.SafeInsert {
			st.inserted[rec.Target.String()][rec.Option.Value] = struct{}{}
		}
		return st.record(idx, rec, StatusSucceeded, ""), nil
	case dataverse.IsAuth(err):
		return st.record(idx, rec, StatusFailed, "authentication: "+err.Error()), err
	case dataverse.IsDuplicate(err):
		// The remote already had the value; treated the same as a local skip.
		if rec.Kind == KindInsert && e.cfg.SafeInsert {
			st.inserted[rec.Target.String()][rec.Option.Value] = struct{}{}
		}
		return st.record(idx, rec, StatusSkipped, "value already exists"), nil
	default:
		return st.record(idx, rec, StatusFailed, err.Error()), nil
	}
}

// knownValues returns the value set for a target, fetched from the API once
// per job and extended locally as inserts succeed. This keeps duplicate
// detection to a single remote read regardless of record count.
func (e *Engine) knownValues(ctx context.Context, st *jobState, target dataverse.OptionSetRef) (map[int]struct{}, error) {
	key := target.String()
	if known, ok := st.inserted[key]; ok {
		return known, nil
	}
	existing, err := e.client.ExistingValues(ctx, target)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		existing = make(map[int]struct{})
	}
	st.inserted[key] = existing
	return existing, nil
}

func (e *Engine) call(ctx context.Context, rec MutationRecord) error {
	switch rec.Kind {
	case KindInsert:
		return e.client.InsertOption(ctx, rec.Target, rec.Option)
	case KindUpdate:
		return e.client.UpdateOption(ctx, rec.Target, rec.Option, rec.MergeLabels)
	case KindDelete:
		return e.client.DeleteOption(ctx, rec.Target, rec.Option.Value)
	default:
		return &dataverse.ValidationError{Detail: fmt.Sprintf("unknown mutation kind %q", rec.Kind)}
	}
}
