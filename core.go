package researchagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/6chenhua/research-agent-backend/pkg/checkpoint"
	"github.com/6chenhua/research-agent-backend/pkg/connector"
	"github.com/6chenhua/research-agent-backend/pkg/driver"
	"github.com/6chenhua/research-agent-backend/pkg/embedder"
	"github.com/6chenhua/research-agent-backend/pkg/ingest"
	"github.com/6chenhua/research-agent-backend/pkg/namespace"
	"github.com/6chenhua/research-agent-backend/pkg/oracle"
	"github.com/6chenhua/research-agent-backend/pkg/scheduler"
	"github.com/6chenhua/research-agent-backend/pkg/search"
	"github.com/6chenhua/research-agent-backend/pkg/storage"
	"github.com/6chenhua/research-agent-backend/pkg/types"
	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

// Config holds the tunables of every component the Core wires together.
type Config struct {
	Search    search.Config
	Ingest    ingest.Config
	Scheduler scheduler.Config
	// ExternalResults bounds how many papers one external_query job ingests.
	ExternalResults int
	// Schema replaces the built-in entity/relation catalogue when set.
	Schema *types.SchemaSpec
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Search:          search.DefaultConfig(),
		Ingest:          ingest.DefaultConfig(),
		Scheduler:       scheduler.DefaultConfig(),
		ExternalResults: DefaultExternalResults,
	}
}

// Option configures a Core.
type Option func(*options)

type options struct {
	connector connector.Connector
	cooldown  search.Cooldown
	metrics   *search.Metrics
	parser    ingest.Parser
	logger    *slog.Logger
	sched     []scheduler.Option
}

// WithConnector sets the external literature source used by download and
// external_query jobs.
func WithConnector(c connector.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithCooldown shares the escalation cooldown, e.g. through Redis.
func WithCooldown(c search.Cooldown) Option {
	return func(o *options) { o.cooldown = c }
}

// WithMetrics sets the search metrics sink.
func WithMetrics(m *search.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithParser replaces the plain text document parser.
func WithParser(p ingest.Parser) Option {
	return func(o *options) { o.parser = p }
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSchedulerOptions passes options through to the job scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *options) { o.sched = append(o.sched, opts...) }
}

// Core is the entry point of the research knowledge graph. It owns the
// retrieval orchestrator, the ingestion pipeline and the job scheduler, all
// over a single graph store.
type Core struct {
	store        driver.GraphStore
	embedder     embedder.Client
	pipeline     *ingest.Pipeline
	scheduler    *scheduler.Scheduler
	orchestrator *search.Orchestrator
	checkpoints  *checkpoint.Manager
	nsLocks      *utils.KeyedMutex
	config       *Config
	logger       *slog.Logger
}

// NewCore wires the components together. backend persists jobs and
// ingestion checkpoints. Call Start before enqueueing asynchronous work and
// Close when done.
func NewCore(store driver.GraphStore, extractor oracle.Oracle, emb embedder.Client, backend *storage.Backend, config *Config, opts ...Option) (*Core, error) {
	if store == nil {
		return nil, errors.New("graph store is required")
	}
	if backend == nil {
		return nil, errors.New("storage backend is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	checkpoints := checkpoint.NewManager(backend)
	nsLocks := utils.NewKeyedMutex()
	ingestOpts := []ingest.Option{
		ingest.WithConfig(config.Ingest),
		ingest.WithLogger(o.logger),
		ingest.WithNamespaceLocks(nsLocks),
	}
	if emb != nil {
		ingestOpts = append(ingestOpts, ingest.WithEmbedder(emb))
	}
	if config.Schema != nil {
		ingestOpts = append(ingestOpts, ingest.WithSchema(config.Schema))
	}
	if o.parser != nil {
		ingestOpts = append(ingestOpts, ingest.WithParser(o.parser))
	}
	pipeline, err := ingest.NewPipeline(store, extractor, checkpoints, ingestOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion pipeline: %w", err)
	}

	runner := NewJobRunner(pipeline, o.connector, config.ExternalResults, o.logger)
	schedOpts := append([]scheduler.Option{scheduler.WithLogger(o.logger)}, o.sched...)
	sched, err := scheduler.New(scheduler.NewBadgerJobStore(backend), runner, config.Scheduler, schedOpts...)
	if err != nil {
		pipeline.Release()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	searchOpts := []search.Option{
		search.WithEnqueuer(sched),
		search.WithLogger(o.logger),
	}
	if emb != nil {
		searchOpts = append(searchOpts, search.WithEmbedder(emb))
	}
	if o.cooldown != nil {
		searchOpts = append(searchOpts, search.WithCooldown(o.cooldown))
	}
	if o.metrics != nil {
		searchOpts = append(searchOpts, search.WithMetrics(o.metrics))
	}

	return &Core{
		store:        store,
		embedder:     emb,
		pipeline:     pipeline,
		scheduler:    sched,
		orchestrator: search.NewOrchestrator(store, config.Search, searchOpts...),
		checkpoints:  checkpoints,
		nsLocks:      nsLocks,
		config:       config,
		logger:       o.logger,
	}, nil
}

// Start re-queues persisted jobs and begins executing them.
func (c *Core) Start(ctx context.Context) error {
	return c.scheduler.Start(ctx)
}

// Close stops the scheduler and releases the pipeline workers. The graph
// store and storage backend are owned by the caller.
func (c *Core) Close() {
	c.scheduler.Stop()
	c.pipeline.Release()
}

// Ready reports whether the graph store answers.
func (c *Core) Ready(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", types.ErrGraphUnavailable, err)
	}
	return nil
}

// Search runs a retrieval over the caller's namespace chain.
func (c *Core) Search(ctx context.Context, req search.Request) (*search.Response, error) {
	return c.orchestrator.Search(ctx, req)
}

// SearchStats returns the retrieval counters.
func (c *Core) SearchStats() search.MetricsSnapshot {
	return c.orchestrator.Metrics().Snapshot()
}

// Ingest runs the pipeline synchronously for one document.
func (c *Core) Ingest(ctx context.Context, data []byte, ns string, meta ingest.SourceMetadata) (*types.IngestReport, error) {
	return c.pipeline.Ingest(ctx, data, ns, meta)
}

// IngestForUser resolves the write namespace of userID and ingests there.
func (c *Core) IngestForUser(ctx context.Context, data []byte, userID string, toGlobal bool, meta ingest.SourceMetadata) (*types.IngestReport, error) {
	ns, err := namespace.ResolveWriteNamespace(userID, toGlobal)
	if err != nil {
		return nil, err
	}
	return c.Ingest(ctx, data, ns, meta)
}

// EnqueueIngestionJob schedules asynchronous ingestion into the caller's
// write namespace. A live duplicate returns the existing job id together
// with types.ErrDuplicateJob.
func (c *Core) EnqueueIngestionJob(ctx context.Context, userID string, toGlobal bool, req types.JobRequest) (string, error) {
	ns, err := namespace.ResolveWriteNamespace(userID, toGlobal)
	if err != nil {
		return "", err
	}
	req.Namespace = ns
	return c.scheduler.Enqueue(ctx, req)
}

// GetJobStatus returns a job the caller may read.
func (c *Core) GetJobStatus(ctx context.Context, userID, jobID string) (*types.IngestionJob, error) {
	job, err := c.scheduler.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !namespace.ValidateAccess(userID, job.Namespace) {
		// Hide the existence of other users' jobs.
		return nil, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	return job, nil
}

// CancelJob cancels a job that has not started yet.
func (c *Core) CancelJob(ctx context.Context, userID, jobID string) (*types.IngestionJob, error) {
	if _, err := c.GetJobStatus(ctx, userID, jobID); err != nil {
		return nil, err
	}
	return c.scheduler.Cancel(ctx, jobID)
}

// ListJobs lists the jobs of the caller's namespace, or of the global
// namespace for anonymous callers.
func (c *Core) ListJobs(ctx context.Context, userID string) ([]*types.IngestionJob, error) {
	ns := namespace.Global
	if userID != "" {
		user, err := namespace.User(userID)
		if err != nil {
			return nil, err
		}
		ns = user.String()
	}
	return c.scheduler.List(ctx, ns)
}

// Checkpoints lists ingestion progress for a namespace.
func (c *Core) Checkpoints(ctx context.Context, userID, ns string) ([]*checkpoint.SourceCheckpoint, error) {
	if err := c.checkAccess(userID, ns); err != nil {
		return nil, err
	}
	return c.checkpoints.List(ctx, ns)
}

func (c *Core) checkAccess(userID, ns string) error {
	if _, err := namespace.Parse(ns); err != nil {
		return err
	}
	if !namespace.ValidateAccess(userID, ns) {
		return fmt.Errorf("%w: %s", types.ErrAccessDenied, ns)
	}
	return nil
}

// chain returns the namespaces userID may read, most specific first.
func (c *Core) chain(userID string) (namespace.Chain, error) {
	if userID == "" {
		return namespace.GlobalChain(), nil
	}
	return namespace.ResolveSearchChain(userID)
}
