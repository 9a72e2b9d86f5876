package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jthorsen/optionset/internal/dataverse"
)

// JobTimeout is the maximum duration for a bulk job.
var JobTimeout = 30 * time.Minute

// jobRetention is how long finished jobs stay queryable in memory.
var jobRetention = 15 * time.Minute

// RemoteAPI is everything the service needs from the Dataverse layer. The
// engine uses the OptionClient subset; the read and create operations are
// passed through to handlers directly.
type RemoteAPI interface {
	OptionClient
	ListGlobalOptionSets(ctx context.Context) ([]dataverse.OptionSetInfo, error)
	SearchGlobalOptionSets(ctx context.Context, label string) ([]dataverse.OptionSetInfo, error)
	GetOptionSet(ctx context.Context, target dataverse.OptionSetRef) (*dataverse.OptionSetInfo, error)
	CreateGlobalOptionSet(ctx context.Context, name, displayLabel string, options []dataverse.OptionValue) error
}

// Service owns job lifecycle: it parses input, enforces single-flight
// execution, runs the engine in the background, and fans progress out to
// subscribers.
type Service struct {
	api     RemoteAPI
	engine  *Engine
	limiter *JobLimiter
	history HistoryRecorder
	log     *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*activeJob
}

type activeJob struct {
	ID     string
	Kind   MutationKind
	Target dataverse.OptionSetRef
	Cancel context.CancelFunc
	Done   chan struct{}

	// mu guards progress, result, and listeners. The worker goroutine writes
	// progress while handlers poll it.
	mu        sync.Mutex
	progress  JobProgress
	result    *JobResult
	listeners []chan JobProgress
}

// update mutates the progress under the job lock and fans the new state out
// to listeners. Slow listeners drop updates rather than block the worker.
func (job *activeJob) update(fn func(*JobProgress)) {
	job.mu.Lock()
	defer job.mu.Unlock()

	fn(&job.progress)
	for _, ch := range job.listeners {
		select {
		case ch <- job.progress:
		default:
		}
	}
}

// snapshot returns a copy of the current progress.
func (job *activeJob) snapshot() JobProgress {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.progress
}

func (job *activeJob) closeListeners() {
	job.mu.Lock()
	defer job.mu.Unlock()

	for _, ch := range job.listeners {
		close(ch)
	}
	job.listeners = nil
}

// ServiceConfig assembles a Service.
type ServiceConfig struct {
	API     RemoteAPI
	Tokens  TokenSource
	Engine  EngineConfig
	History HistoryRecorder // nil disables persistence
	Logger  *slog.Logger
}

// NewService creates a Service with a single-flight job limiter.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		api:     cfg.API,
		engine:  NewEngine(cfg.API, cfg.Tokens, cfg.Engine),
		limiter: NewJobLimiter(1),
		history: cfg.History,
		log:     logger,
		jobs:    make(map[string]*activeJob),
	}
}

// StartJobParams describes a bulk job start request.
type StartJobParams struct {
	Kind        MutationKind
	Target      dataverse.OptionSetRef
	Format      RecordFormat
	MergeLabels bool
	Input       io.Reader
}

// StartJob parses the input and begins an asynchronous bulk job. Returns the
// job ID immediately; malformed input or a busy engine fail before anything
// is submitted.
func (s *Service) StartJob(ctx context.Context, p StartJobParams) (string, error) {
	if err := p.Target.Validate(); err != nil {
		return "", err
	}

	records, err := ParseRecords(p.Input, p.Format, p.Kind, p.Target, p.MergeLabels)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", &ParseError{Reason: "no records in input"}
	}

	if err := s.limiter.Acquire(); err != nil {
		return "", err
	}

	jobID := uuid.New().String()
	jobCtx, cancel := context.WithTimeout(context.Background(), JobTimeout)

	job := &activeJob{
		ID:     jobID,
		Kind:   p.Kind,
		Target: p.Target,
		Cancel: cancel,
		progress: JobProgress{
			JobID:  jobID,
			Kind:   p.Kind,
			Target: p.Target,
			Status: JobPending,
			Total:  len(records),
		},
		Done: make(chan struct{}),
	}

	s.mu.Lock()
	s.jobs[jobID] = job
	s.mu.Unlock()

	go s.runJob(jobCtx, job, records)

	return jobID, nil
}

// runJob executes the engine in the background and publishes its events.
func (s *Service) runJob(ctx context.Context, job *activeJob, records []MutationRecord) {
	defer job.Cancel()
	defer s.limiter.Release()

	job.update(func(p *JobProgress) { p.Status = JobRunning })

	obs := &jobObserver{job: job, log: s.log}
	result := s.engine.Run(ctx, job.ID, job.Kind, records, obs)

	job.mu.Lock()
	job.result = &result
	job.mu.Unlock()

	job.update(func(p *JobProgress) {
		p.Status = result.Status
		p.Processed = len(result.Outcomes)
		p.Succeeded = result.Succeeded
		p.Skipped = result.Skipped
		p.Failed = result.Failed
	})
	job.closeListeners()
	close(job.Done)

	if s.history != nil {
		histCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.history.RecordJob(histCtx, result); err != nil {
			s.log.Error("record job history", "jobId", job.ID, "error", err)
		}
	}

	s.cleanup(job.ID, jobRetention)
}

// jobObserver adapts engine events onto an activeJob's progress state.
type jobObserver struct {
	job *activeJob
	log *slog.Logger
}

func (o *jobObserver) OnProgress(processed, total int, last BatchOutcome) {
	outcome := last
	o.job.update(func(p *JobProgress) {
		p.Processed = processed
		p.Total = total
		p.LastOutcome = &outcome
		switch last.Status {
		case StatusSucceeded:
			p.Succeeded++
		case StatusSkipped:
			p.Skipped++
		case StatusFailed:
			p.Failed++
		}
	})
}

func (o *jobObserver) OnBatch(batch, batches int) {
	o.job.update(func(p *JobProgress) {
		p.Batch = batch
		p.Batches = batches
	})
}

func (o *jobObserver) OnLog(message string) {
	o.log.Info(message, "jobId", o.job.ID)
	o.job.update(func(p *JobProgress) { p.Message = message })
}

// SubscribeProgress returns a channel that receives progress updates. The
// channel is closed when the job completes.
func (s *Service) SubscribeProgress(jobID string) (<-chan JobProgress, error) {
	job, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}

	ch := make(chan JobProgress, 16)

	job.mu.Lock()
	defer job.mu.Unlock()

	select {
	case <-job.Done:
		// Already finished; emit the final state and close.
		ch <- job.progress
		close(ch)
		return ch, nil
	default:
	}

	job.listeners = append(job.listeners, ch)
	select {
	case ch <- job.progress:
	default:
	}
	return ch, nil
}

// CancelJob requests cooperative cancellation of a running job. Records
// already submitted are not rolled back.
func (s *Service) CancelJob(jobID string) error {
	job, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	job.Cancel()
	return nil
}

// JobResult returns the result of a completed job, blocking until the job
// finishes if it is still running.
func (s *Service) JobResult(ctx context.Context, jobID string) (*JobResult, error) {
	job, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	select {
	case <-job.Done:
		job.mu.Lock()
		defer job.mu.Unlock()
		return job.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JobProgress returns a snapshot of the current progress without blocking.
func (s *Service) JobProgress(jobID string) (JobProgress, error) {
	job, err := s.lookup(jobID)
	if err != nil {
		return JobProgress{}, err
	}
	return job.snapshot(), nil
}

func (s *Service) lookup(jobID string) (*activeJob, error) {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return job, nil
}

// WaitForDrain blocks until running jobs finish. Used during shutdown.
func (s *Service) WaitForDrain() {
	s.limiter.WaitForDrain()
}

// ListOptionSets returns all global OptionSets in the environment.
func (s *Service) ListOptionSets(ctx context.Context) ([]dataverse.OptionSetInfo, error) {
	return s.api.ListGlobalOptionSets(ctx)
}

// SearchOptionSets returns global OptionSets whose display label contains
// the query, case-insensitively.
func (s *Service) SearchOptionSets(ctx context.Context, query string) ([]dataverse.OptionSetInfo, error) {
	return s.api.SearchGlobalOptionSets(ctx, query)
}

// GetOptionSet returns one OptionSet with its options.
func (s *Service) GetOptionSet(ctx context.Context, target dataverse.OptionSetRef) (*dataverse.OptionSetInfo, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return s.api.GetOptionSet(ctx, target)
}

// CreateOptionSet creates a new global OptionSet with optional seed options.
func (s *Service) CreateOptionSet(ctx context.Context, name, displayLabel string, options []dataverse.OptionValue) error {
	if name == "" {
		return fmt.Errorf("optionset name is required")
	}
	return s.api.CreateGlobalOptionSet(ctx, name, displayLabel, options)
}

// InsertSingle applies one insert outside the bulk pipeline.
func (s *Service) InsertSingle(ctx context.Context, target dataverse.OptionSetRef, opt dataverse.OptionValue) error {
	if err := target.Validate(); err != nil {
		return err
	}
	return s.api.InsertOption(ctx, target, opt)
}

// cleanup removes a finished job from tracking after a delay.
func (s *Service) cleanup(jobID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.jobs, jobID)
		s.mu.Unlock()
	})
}
