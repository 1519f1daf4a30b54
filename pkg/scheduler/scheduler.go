// Package scheduler runs ingestion jobs asynchronously.
//
// Jobs are deduplicated by (namespace, source_ref), persisted in badger,
// executed on an ants worker pool and retried with jittered exponential
// backoff when they fail with a transient error. Pending and running jobs
// found in the store at Start are queued again.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/6chenhua/research-agent-backend/pkg/alert"
	"github.com/6chenhua/research-agent-backend/pkg/namespace"
	"github.com/6chenhua/research-agent-backend/pkg/types"
	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

// Runner executes one attempt of a job.
type Runner interface {
	Run(ctx context.Context, job *types.IngestionJob, payload []byte) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job *types.IngestionJob, payload []byte) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, job *types.IngestionJob, payload []byte) error {
	return f(ctx, job, payload)
}

// RetryPolicy controls how transient failures are retried.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay" mapstructure:"base_delay"`
	Factor     float64       `json:"factor" mapstructure:"factor"`
	Jitter     float64       `json:"jitter" mapstructure:"jitter"`
	MaxDelay   time.Duration `json:"max_delay" mapstructure:"max_delay"`
}

// DefaultRetryPolicy retries 3 times after 2s, 4s and 8s, each +-20%.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		Factor:     2,
		Jitter:     0.2,
		MaxDelay:   5 * time.Minute,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 && rnd != nil {
		d *= 1 + p.Jitter*(2*rnd()-1)
	}
	return time.Duration(d)
}

// Config holds scheduler settings.
type Config struct {
	Workers int         `json:"workers" mapstructure:"workers"`
	Retry   RetryPolicy `json:"retry" mapstructure:"retry"`
	// JobTimeout bounds a single attempt; zero means no bound.
	JobTimeout time.Duration `json:"job_timeout" mapstructure:"job_timeout"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{Workers: 4, Retry: DefaultRetryPolicy(), JobTimeout: 10 * time.Minute}
}

// Scheduler owns the job lifecycle.
type Scheduler struct {
	store   JobStore
	runner  Runner
	config  Config
	pool    *ants.Pool
	logger  *slog.Logger
	alerter alert.Alerter
	now     func() time.Time
	rnd     func() float64
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	payloads map[string][]byte
	queue    []string
	signal   chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAlerter reports jobs that failed permanently.
func WithAlerter(a alert.Alerter) Option {
	return func(s *Scheduler) {
		if a != nil {
			s.alerter = a
		}
	}
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithRandom replaces the jitter source; it must return values in [0, 1).
func WithRandom(rnd func() float64) Option {
	return func(s *Scheduler) {
		if rnd != nil {
			s.rnd = rnd
		}
	}
}

// New creates a scheduler. Call Start before jobs are executed.
func New(store JobStore, runner Runner, config Config, opts ...Option) (*Scheduler, error) {
	if store == nil || runner == nil {
		return nil, errors.New("scheduler: store and runner are required")
	}
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.Retry.MaxRetries < 0 {
		config.Retry.MaxRetries = 0
	}
	if config.Retry.BaseDelay <= 0 {
		config.Retry.BaseDelay = defaults.Retry.BaseDelay
	}
	if config.Retry.Factor < 1 {
		config.Retry.Factor = defaults.Retry.Factor
	}

	pool, err := ants.NewPool(config.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	s := &Scheduler{
		store:    store,
		runner:   runner,
		config:   config,
		pool:     pool,
		logger:   slog.Default(),
		alerter:  alert.NoOpAlerter{},
		now:      time.Now,
		rnd:      rand.Float64,
		sleep:    sleepCtx,
		payloads: make(map[string][]byte),
		signal:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start requeues unfinished jobs from the store and begins dispatching.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	jobs, err := s.store.List(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	s.mu.Lock()
	queued := make(map[string]bool, len(s.queue))
	for _, id := range s.queue {
		queued[id] = true
	}
	s.mu.Unlock()

	// oldest first so requeued work keeps its order
	for i := len(jobs) - 1; i >= 0; i-- {
		job := jobs[i]
		if !job.Status.Live() || queued[job.JobID] {
			continue
		}
		if job.Kind == types.JobDocument {
			// document bytes only ever lived in memory
			job.Status = types.JobFailed
			job.LastError = "document payload lost on restart; resubmit the document"
			job.UpdatedAt = s.now().UTC()
			if err := s.store.Put(ctx, job); err != nil {
				return err
			}
			s.logger.Warn("dropping document job after restart", "job_id", job.JobID, "namespace", job.Namespace)
			continue
		}
		if job.Status == types.JobRunning {
			job.Status = types.JobPending
			job.UpdatedAt = s.now().UTC()
			if err := s.store.Put(ctx, job); err != nil {
				return err
			}
		}
		s.push(job.JobID)
		s.logger.Info("requeued job", "job_id", job.JobID, "namespace", job.Namespace, "source_ref", job.SourceRef)
	}

	s.wg.Add(1)
	go s.dispatch()
	return nil
}

// Stop cancels running attempts, waits for workers and releases the pool.
// Interrupted jobs stay live in the store and are requeued by the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.pool.Release()
}

// Enqueue creates a pending job for req, or returns the id of the live job
// for the same (namespace, source_ref) together with types.ErrDuplicateJob.
// A document source that already succeeded is reported the same way.
func (s *Scheduler) Enqueue(ctx context.Context, req types.JobRequest) (string, error) {
	if _, err := namespace.Parse(req.Namespace); err != nil {
		return "", err
	}
	if req.SourceRef == "" {
		return "", fmt.Errorf("%w: source ref is required", types.ErrInvalidIdentifier)
	}
	if req.Kind == "" {
		req.Kind = types.KindForSourceRef(req.SourceRef)
	}
	if req.Kind == types.JobDocument && len(req.Payload) == 0 {
		return "", fmt.Errorf("%w: document job without payload", types.ErrParseFailure)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.BySource(ctx, req.Namespace, req.SourceRef)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if existing.Status.Live() || (existing.Status == types.JobSucceeded && existing.Kind == types.JobDocument) {
			return existing.JobID, types.ErrDuplicateJob
		}
	}

	now := s.now().UTC()
	job := &types.IngestionJob{
		JobID:     uuid.NewString(),
		Namespace: req.Namespace,
		SourceRef: req.SourceRef,
		Kind:      req.Kind,
		Title:     req.Title,
		Status:    types.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Put(ctx, job); err != nil {
		return "", err
	}
	if len(req.Payload) > 0 {
		s.payloads[job.JobID] = req.Payload
	}
	s.pushLocked(job.JobID)

	s.logger.Info("job enqueued",
		"job_id", job.JobID,
		"namespace", job.Namespace,
		"source_ref", job.SourceRef,
		"kind", job.Kind)
	return job.JobID, nil
}

// GetStatus returns the persisted job.
func (s *Scheduler) GetStatus(ctx context.Context, jobID string) (*types.IngestionJob, error) {
	return s.store.Get(ctx, jobID)
}

// List returns the jobs of a namespace, newest first.
func (s *Scheduler) List(ctx context.Context, ns string) ([]*types.IngestionJob, error) {
	return s.store.List(ctx, ns)
}

// Cancel stops a job that has not started yet. Jobs that are running or
// finished return types.ErrJobNotCancellable.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (*types.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != types.JobPending {
		return job, fmt.Errorf("%w: job %s is %s", types.ErrJobNotCancellable, jobID, job.Status)
	}
	job.Status = types.JobCancelled
	job.UpdatedAt = s.now().UTC()
	if err := s.store.Put(ctx, job); err != nil {
		return nil, err
	}
	delete(s.payloads, jobID)
	s.logger.Info("job cancelled", "job_id", jobID, "namespace", job.Namespace)
	return job, nil
}

func (s *Scheduler) push(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(jobID)
}

func (s *Scheduler) pushLocked(jobID string) {
	s.queue = append(s.queue, jobID)
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Scheduler) pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	return id, true
}

// dispatch hands queued jobs to the pool. Submit blocks while every worker
// is busy, which is what bounds concurrency.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	for {
		id, ok := s.pop()
		if !ok {
			select {
			case <-s.signal:
				continue
			case <-s.ctx.Done():
				return
			}
		}
		if s.ctx.Err() != nil {
			return
		}
		s.wg.Add(1)
		if err := s.pool.Submit(func() {
			defer s.wg.Done()
			s.execute(id)
		}); err != nil {
			s.wg.Done()
			s.logger.Error("failed to submit job", "job_id", id, "error", err)
			return
		}
	}
}

// claim moves a pending job to running. It returns nil when the job was
// cancelled or is otherwise not runnable.
func (s *Scheduler) claim(id string) (*types.IngestionJob, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.store.Get(s.ctx, id)
	if err != nil {
		s.logger.Error("failed to load queued job", "job_id", id, "error", err)
		return nil, nil
	}
	if job.Status != types.JobPending {
		return nil, nil
	}
	job.Status = types.JobRunning
	job.UpdatedAt = s.now().UTC()
	if err := s.store.Put(s.ctx, job); err != nil {
		s.logger.Error("failed to mark job running", "job_id", id, "error", err)
		return nil, nil
	}
	return job, s.payloads[id]
}

func (s *Scheduler) execute(id string) {
	job, payload := s.claim(id)
	if job == nil {
		return
	}
	logger := s.logger.With("job_id", job.JobID, "namespace", job.Namespace, "source_ref", job.SourceRef)
	logger.Info("job started", "attempt", job.AttemptCount+1)

	var err error
	for retry := 0; ; retry++ {
		job.AttemptCount++
		err = s.attempt(job, payload)
		if err == nil {
			break
		}
		if s.ctx.Err() != nil {
			// shutting down: leave the job live for the next Start
			logger.Info("job interrupted by shutdown")
			job.Status = types.JobPending
			job.UpdatedAt = s.now().UTC()
			s.save(job)
			return
		}
		if !types.IsTransient(err) || retry >= s.config.Retry.MaxRetries {
			break
		}

		delay := s.config.Retry.Delay(retry+1, s.rnd)
		logger.Warn("job attempt failed, retrying",
			"attempt", job.AttemptCount,
			"delay", delay,
			"stage", types.StageOf(err),
			"error", err)
		job.LastError = err.Error()
		job.FailedStage = types.StageOf(err)
		job.UpdatedAt = s.now().UTC()
		s.save(job)
		if sleepErr := s.sleep(s.ctx, delay); sleepErr != nil {
			job.Status = types.JobPending
			s.save(job)
			return
		}
	}

	s.mu.Lock()
	delete(s.payloads, job.JobID)
	s.mu.Unlock()

	job.UpdatedAt = s.now().UTC()
	if err != nil {
		job.Status = types.JobFailed
		job.LastError = err.Error()
		job.FailedStage = types.StageOf(err)
		logger.Error("job failed",
			"attempts", job.AttemptCount,
			"stage", job.FailedStage,
			"transient", types.IsTransient(err),
			"error", err)
		s.alertFailure(job, logger)
	} else {
		job.Status = types.JobSucceeded
		job.LastError = ""
		job.FailedStage = ""
		logger.Info("job succeeded", "attempts", job.AttemptCount)
	}
	s.save(job)
}

func (s *Scheduler) alertFailure(job *types.IngestionJob, logger *slog.Logger) {
	subject := fmt.Sprintf("ingestion job %s failed", job.JobID)
	message := fmt.Sprintf("namespace: %s\nsource: %s\nkind: %s\nattempts: %d\nstage: %s\nerror: %s",
		job.Namespace, job.SourceRef, job.Kind, job.AttemptCount, job.FailedStage, job.LastError)
	if err := s.alerter.Alert(subject, message); err != nil {
		logger.Warn("failed to send job failure alert", "error", err)
	}
}

func (s *Scheduler) attempt(job *types.IngestionJob, payload []byte) (err error) {
	defer utils.RecoverAsError(&err)

	ctx := s.ctx
	if s.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.JobTimeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, types.ContextKeyJobID, job.JobID)
	ctx = context.WithValue(ctx, types.ContextKeyNamespace, job.Namespace)

	snapshot := *job
	err = s.runner.Run(ctx, &snapshot, payload)
	if errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil {
		err = fmt.Errorf("%w: %w", types.ErrTimeout, err)
	}
	return err
}

func (s *Scheduler) save(job *types.IngestionJob) {
	// the scheduler context may already be cancelled during shutdown
	if err := s.store.Put(context.WithoutCancel(s.ctx), job); err != nil {
		s.logger.Error("failed to persist job", "job_id", job.JobID, "status", job.Status, "error", err)
	}
}
