package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/6chenhua/research-agent-backend/pkg/checkpoint"
	"github.com/6chenhua/research-agent-backend/pkg/embedder"
	"github.com/6chenhua/research-agent-backend/pkg/namespace"
	"github.com/6chenhua/research-agent-backend/pkg/oracle"
	"github.com/6chenhua/research-agent-backend/pkg/types"
	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

// Store is the part of the graph store the pipeline writes through.
type Store interface {
	NodeFinder
	CommitChunk(ctx context.Context, commit *types.ChunkCommit) error
}

// Checkpoints persists per-source progress so runs are idempotent and
// resumable.
type Checkpoints interface {
	LoadOrCreate(ctx context.Context, namespace, sourceRef string) (*checkpoint.SourceCheckpoint, bool, error)
	Save(ctx context.Context, cp *checkpoint.SourceCheckpoint) error
	RecordChunk(ctx context.Context, cp *checkpoint.SourceCheckpoint, idx int, delta types.IngestReport) error
	RecordError(ctx context.Context, cp *checkpoint.SourceCheckpoint, cause error) error
	MarkSucceeded(ctx context.Context, cp *checkpoint.SourceCheckpoint) error
}

// Config holds the pipeline tunables.
type Config struct {
	MaxChunkTokens  int     `json:"max_chunk_tokens" mapstructure:"max_chunk_tokens"`
	ConfidenceFloor float64 `json:"confidence_floor" mapstructure:"confidence_floor"`
	DedupThreshold  float64 `json:"dedup_threshold" mapstructure:"dedup_threshold"`
	Workers         int     `json:"workers" mapstructure:"workers"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	workers := runtime.NumCPU() / 2
	if workers < 1 {
		workers = 1
	}
	return Config{
		MaxChunkTokens:  DefaultMaxChunkTokens,
		ConfidenceFloor: DefaultConfidenceFloor,
		DedupThreshold:  DefaultDedupThreshold,
		Workers:         workers,
	}
}

// Pipeline turns documents into committed graph facts:
// split, episode, extract, normalize and dedup, commit.
type Pipeline struct {
	store       Store
	oracle      oracle.Oracle
	checkpoints Checkpoints
	parser      Parser
	embedder    embedder.Client
	resolver    EntityResolver
	schema      *types.SchemaSpec
	config      Config

	pool        *ants.Pool
	nsLocks     *utils.KeyedMutex
	sourceLocks *utils.KeyedMutex
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithConfig overrides the tunables. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) error {
		if cfg.MaxChunkTokens > 0 {
			p.config.MaxChunkTokens = cfg.MaxChunkTokens
		}
		if cfg.ConfidenceFloor > 0 {
			p.config.ConfidenceFloor = cfg.ConfidenceFloor
		}
		if cfg.DedupThreshold > 0 {
			p.config.DedupThreshold = cfg.DedupThreshold
		}
		if cfg.Workers > 0 {
			p.config.Workers = cfg.Workers
		}
		return nil
	}
}

// WithParser replaces the plain text parser.
func WithParser(parser Parser) Option {
	return func(p *Pipeline) error {
		if parser != nil {
			p.parser = parser
		}
		return nil
	}
}

// WithEmbedder sets the embedder used for node embeddings and fuzzy dedup.
func WithEmbedder(e embedder.Client) Option {
	return func(p *Pipeline) error {
		p.embedder = e
		return nil
	}
}

// WithResolver replaces the embedding cosine resolver.
func WithResolver(r EntityResolver) Option {
	return func(p *Pipeline) error {
		if r != nil {
			p.resolver = r
		}
		return nil
	}
}

// WithSchema replaces the default research schema.
func WithSchema(schema *types.SchemaSpec) Option {
	return func(p *Pipeline) error {
		if schema != nil {
			p.schema = schema
		}
		return nil
	}
}

// WithNamespaceLocks shares the per-namespace exclusive sections with other
// writers of the same store.
func WithNamespaceLocks(locks *utils.KeyedMutex) Option {
	return func(p *Pipeline) error {
		if locks != nil {
			p.nsLocks = locks
		}
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// NewPipeline creates a new ingestion pipeline.
func NewPipeline(store Store, extractor oracle.Oracle, checkpoints Checkpoints, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if extractor == nil {
		return nil, errors.New("ingest: oracle is required")
	}
	if checkpoints == nil {
		return nil, errors.New("ingest: checkpoint store is required")
	}

	p := &Pipeline{
		store:       store,
		oracle:      extractor,
		checkpoints: checkpoints,
		parser:      NewPlainTextParser(),
		resolver:    EmbeddingResolver{},
		schema:      types.DefaultSchema(),
		config:      DefaultConfig(),
		nsLocks:     utils.NewKeyedMutex(),
		sourceLocks: utils.NewKeyedMutex(),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	pool, err := ants.NewPool(p.config.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create extraction pool: %w", err)
	}
	p.pool = pool
	return p, nil
}

// Release stops the worker pool.
func (p *Pipeline) Release() {
	if p.pool != nil {
		p.pool.Release()
	}
}

// Schema returns the schema handed to the oracle.
func (p *Pipeline) Schema() *types.SchemaSpec {
	return p.schema
}

type extracted struct {
	episode *types.Episode
	result  *types.Extraction
	err     error
}

// Ingest runs the pipeline for one document. A source that already
// succeeded in ns is a no-op; a source that failed part way resumes after
// its last committed chunk.
func (p *Pipeline) Ingest(ctx context.Context, data []byte, ns string, meta SourceMetadata) (*types.IngestReport, error) {
	if _, err := namespace.Parse(ns); err != nil {
		return nil, err
	}
	if meta.SourceRef == "" {
		return nil, fmt.Errorf("%w: source ref is required", types.ErrInvalidIdentifier)
	}

	unlock, err := p.sourceLocks.Lock(ctx, ns+"\x00"+meta.SourceRef)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cp, existed, err := p.checkpoints.LoadOrCreate(ctx, ns, meta.SourceRef)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	logger := p.logger.With("namespace", ns, "source_ref", meta.SourceRef)

	if cp.Status == checkpoint.StatusSucceeded {
		logger.Info("source already ingested", "entities", cp.Report.EntityCount)
		return &types.IngestReport{
			Namespace:       ns,
			SourceRef:       meta.SourceRef,
			DedupedCount:    cp.Report.EntityCount,
			AlreadyIngested: true,
		}, nil
	}
	if existed {
		logger.Info("resuming ingestion", "committed_chunks", len(cp.CommittedChunks), "attempts", cp.AttemptCount)
	}

	report, err := p.run(ctx, data, ns, meta, cp, logger)
	if err != nil {
		if ctx.Err() == nil {
			if recErr := p.checkpoints.RecordError(context.WithoutCancel(ctx), cp, err); recErr != nil {
				logger.Warn("failed to record ingestion error", "error", recErr)
			}
		}
		return nil, err
	}
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, data []byte, ns string, meta SourceMetadata, cp *checkpoint.SourceCheckpoint, logger *slog.Logger) (*types.IngestReport, error) {
	// stage 1: structural split
	sections, docMeta, err := p.parser.ParseDocument(data)
	if err != nil {
		return nil, types.NewStageError(types.StageSplit, err)
	}
	if meta.Title == "" {
		meta.Title = docMeta.Title
	}
	if meta.Title == "" {
		meta.Title = meta.SourceRef
	}
	chunks := NewSplitter(p.config.MaxChunkTokens).Split(sections)
	if len(chunks) == 0 {
		return nil, types.NewStageError(types.StageSplit, fmt.Errorf("%w: no chunks produced", types.ErrParseFailure))
	}
	if cp.ChunkCount != 0 && cp.ChunkCount != len(chunks) {
		logger.Warn("document chunking changed since last attempt", "previous", cp.ChunkCount, "current", len(chunks))
	}
	cp.ChunkCount = len(chunks)
	if err := p.checkpoints.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}

	// stage 2: episodes for chunks not committed yet
	now := p.now().UTC()
	var pending []Chunk
	for _, c := range chunks {
		if !cp.IsCommitted(c.Index) {
			pending = append(pending, c)
		}
	}
	episodes := make([]*types.Episode, len(pending))
	for i, c := range pending {
		episodes[i] = BuildEpisode(ns, meta, c, now)
		if err := episodes[i].Validate(); err != nil {
			return nil, types.NewStageError(types.StageEpisode, err)
		}
	}
	logger.Debug("chunked document", "chunks", len(chunks), "pending", len(pending))

	// stage 3: parallel extraction
	results, err := p.extractAll(ctx, episodes)
	if err != nil {
		return nil, err
	}

	// stages 4-5 per chunk, in order, inside the namespace section
	var (
		warnings []string
		firstErr error
	)
	for i, r := range results {
		if r.err != nil {
			logger.Warn("extraction failed", "chunk", pending[i].Index, "error", r.err)
			if firstErr == nil {
				firstErr = types.NewStageError(types.StageExtract, r.err)
			}
			continue
		}
		delta, dropped, err := p.commitChunk(ctx, ns, r.episode, r.result, now)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, dropped...)
		if err := p.checkpoints.RecordChunk(ctx, cp, pending[i].Index, delta); err != nil {
			return nil, fmt.Errorf("record chunk %d: %w", pending[i].Index, err)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	if err := p.checkpoints.MarkSucceeded(ctx, cp); err != nil {
		return nil, fmt.Errorf("mark checkpoint succeeded: %w", err)
	}

	report := cp.Report
	report.Namespace = ns
	report.SourceRef = meta.SourceRef
	report.Warnings = warnings
	logger.Info("ingestion complete",
		"episodes", report.EpisodeCount,
		"entities", report.EntityCount,
		"relations", report.RelationCount,
		"deduped", report.DedupedCount,
		"dropped", len(warnings))
	return &report, nil
}

func (p *Pipeline) extractAll(ctx context.Context, episodes []*types.Episode) ([]extracted, error) {
	results := make([]extracted, len(episodes))
	var wg sync.WaitGroup
	for i, ep := range episodes {
		results[i].episode = ep
		wg.Add(1)
		task := func() {
			defer wg.Done()
			defer utils.RecoverWithCallback(func(err error) {
				results[i].err = fmt.Errorf("%w: %v", types.ErrExtractionFailure, err)
			})
			out, err := p.oracle.Extract(ctx, ep.Content, p.schema)
			if err != nil && !errors.Is(err, types.ErrExtractionFailure) && ctx.Err() == nil {
				err = fmt.Errorf("%w: %w", types.ErrExtractionFailure, err)
			}
			results[i].result, results[i].err = out, err
		}
		if err := p.pool.Submit(task); err != nil {
			wg.Done()
			wg.Wait()
			return nil, types.NewStageError(types.StageExtract, fmt.Errorf("submit extraction: %w", err))
		}
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, types.NewStageError(types.StageExtract, err)
	}
	return results, nil
}

// commitChunk runs normalization, dedup and the atomic commit for one
// chunk under the namespace's exclusive section.
func (p *Pipeline) commitChunk(ctx context.Context, ns string, episode *types.Episode, ext *types.Extraction, now time.Time) (types.IngestReport, []string, error) {
	valid := ValidateExtraction(ext, p.schema, p.config.ConfidenceFloor)

	unlock, err := p.nsLocks.Lock(ctx, ns)
	if err != nil {
		return types.IngestReport{}, nil, types.NewStageError(types.StageNormalize, err)
	}
	defer unlock()

	d := &deduper{
		finder:    p.store,
		embedder:  p.embedder,
		resolver:  p.resolver,
		threshold: p.config.DedupThreshold,
	}
	res, err := d.resolve(ctx, ns, valid.Entities, now)
	if err != nil {
		return types.IngestReport{}, nil, types.NewStageError(types.StageNormalize, err)
	}

	commit, relations := buildCommit(ns, episode, res, valid.Relations, now)
	if err := p.store.CommitChunk(ctx, commit); err != nil {
		if !errors.Is(err, types.ErrGraphUnavailable) && !errors.Is(err, types.ErrCommitConflict) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", types.ErrCommitConflict, err)
		}
		return types.IngestReport{}, nil, types.NewStageError(types.StageCommit, err)
	}

	return types.IngestReport{
		EpisodeCount:  1,
		EntityCount:   len(res.nodes),
		RelationCount: relations,
		DedupedCount:  res.deduped,
		Commits:       1,
	}, valid.Dropped, nil
}
