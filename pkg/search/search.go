package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/6chenhua/research-agent-backend/pkg/embedder"
	"github.com/6chenhua/research-agent-backend/pkg/namespace"
	"github.com/6chenhua/research-agent-backend/pkg/types"
	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

const (
	DefaultLimit                = 10
	MaxLimit                    = 100
	DefaultRelevanceFloor       = 0.15
	DefaultCoverageThreshold    = 5
	DefaultEscalationCooldown   = 10 * time.Minute
	DefaultNamespaceTimeout     = 2 * time.Second
	DefaultMaxConcurrentPerUser = 5
	DefaultSlowQueryThreshold   = 3 * time.Second
	DefaultCandidateLimit       = 50

	anonymousUser = "anonymous"
)

// Config holds the retrieval hyperparameters.
type Config struct {
	RankConstant         int           `json:"rank_constant" mapstructure:"rank_constant"`
	MMRLambda            float64       `json:"mmr_lambda" mapstructure:"mmr_lambda"`
	RelevanceFloor       float64       `json:"relevance_floor" mapstructure:"relevance_floor"`
	CoverageThreshold    int           `json:"coverage_threshold" mapstructure:"coverage_threshold"`
	EscalationCooldown   time.Duration `json:"escalation_cooldown" mapstructure:"escalation_cooldown"`
	EscalationEnabled    bool          `json:"escalation_enabled" mapstructure:"escalation_enabled"`
	NamespaceTimeout     time.Duration `json:"namespace_timeout" mapstructure:"namespace_timeout"`
	DefaultLimit         int           `json:"default_limit" mapstructure:"default_limit"`
	CandidateLimit       int           `json:"candidate_limit" mapstructure:"candidate_limit"`
	FocalMaxDepth        int           `json:"focal_max_depth" mapstructure:"focal_max_depth"`
	MaxConcurrentPerUser int           `json:"max_concurrent_per_user" mapstructure:"max_concurrent_per_user"`
	SlowQueryThreshold   time.Duration `json:"slow_query_threshold" mapstructure:"slow_query_threshold"`
}

// DefaultConfig returns the default retrieval configuration.
func DefaultConfig() Config {
	return Config{
		RankConstant:         DefaultRankConstant,
		MMRLambda:            DefaultMMRLambda,
		RelevanceFloor:       DefaultRelevanceFloor,
		CoverageThreshold:    DefaultCoverageThreshold,
		EscalationCooldown:   DefaultEscalationCooldown,
		EscalationEnabled:    true,
		NamespaceTimeout:     DefaultNamespaceTimeout,
		DefaultLimit:         DefaultLimit,
		CandidateLimit:       DefaultCandidateLimit,
		FocalMaxDepth:        DefaultFocalMaxDepth,
		MaxConcurrentPerUser: DefaultMaxConcurrentPerUser,
		SlowQueryThreshold:   DefaultSlowQueryThreshold,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RankConstant <= 0 {
		c.RankConstant = d.RankConstant
	}
	if c.MMRLambda <= 0 || c.MMRLambda > 1 {
		c.MMRLambda = d.MMRLambda
	}
	if c.RelevanceFloor < 0 {
		c.RelevanceFloor = d.RelevanceFloor
	}
	if c.CoverageThreshold < 0 {
		c.CoverageThreshold = d.CoverageThreshold
	}
	if c.EscalationCooldown <= 0 {
		c.EscalationCooldown = d.EscalationCooldown
	}
	if c.NamespaceTimeout <= 0 {
		c.NamespaceTimeout = d.NamespaceTimeout
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	if c.FocalMaxDepth <= 0 {
		c.FocalMaxDepth = d.FocalMaxDepth
	}
	if c.MaxConcurrentPerUser <= 0 {
		c.MaxConcurrentPerUser = d.MaxConcurrentPerUser
	}
	if c.SlowQueryThreshold <= 0 {
		c.SlowQueryThreshold = d.SlowQueryThreshold
	}
	return c
}

// Request is one search call.
type Request struct {
	Query         string           `json:"query"`
	UserID        string           `json:"user_id,omitempty"`
	RerankMode    types.RerankMode `json:"rerank_mode,omitempty"`
	Limit         int              `json:"limit,omitempty"`
	FocalNodeUUID string           `json:"focal_node_uuid,omitempty"`
}

// Response carries the results and what the orchestrator did about them.
type Response struct {
	Results    []Result `json:"results"`
	Coverage   int      `json:"coverage"`
	CoverageOK bool     `json:"coverage_ok"`
	// TriggeredExternal is set when this call enqueued background enrichment.
	TriggeredExternal bool     `json:"triggered_external"`
	JobID             string   `json:"job_id,omitempty"`
	Namespaces        []string `json:"namespaces"`
	// Degraded lists namespaces that timed out; their partial results were discarded.
	Degraded []string      `json:"degraded,omitempty"`
	Took     time.Duration `json:"took"`
}

// Store is the part of the graph store the orchestrator reads.
type Store interface {
	HybridSearch(ctx context.Context, namespace string, query types.HybridQuery, limit int) ([]types.ScoredNode, error)
	PathFinder
}

// Enqueuer accepts background enrichment jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req types.JobRequest) (string, error)
}

// Orchestrator runs multi-namespace retrieval.
type Orchestrator struct {
	store    Store
	embedder embedder.Client
	enqueuer Enqueuer
	cooldown Cooldown
	config   Config
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	users map[string]*semaphore.Weighted
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEmbedder enables the vector half of hybrid search.
func WithEmbedder(e embedder.Client) Option {
	return func(o *Orchestrator) { o.embedder = e }
}

// WithEnqueuer enables coverage escalation.
func WithEnqueuer(e Enqueuer) Option {
	return func(o *Orchestrator) { o.enqueuer = e }
}

// WithCooldown replaces the default in-process cooldown table.
func WithCooldown(c Cooldown) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.cooldown = c
		}
	}
}

// WithMetrics shares a metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator creates an orchestrator over store.
func NewOrchestrator(store Store, config Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		config: config.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
		users:  make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cooldown == nil {
		o.cooldown = NewMemoryCooldown()
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}

// Metrics returns the orchestrator's counters.
func (o *Orchestrator) Metrics() *Metrics {
	return o.metrics
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.config
}

func (o *Orchestrator) userSemaphore(userID string) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.users[userID]
	if !ok {
		sem = semaphore.NewWeighted(int64(o.config.MaxConcurrentPerUser))
		o.users[userID] = sem
	}
	return sem
}

// Search walks the caller's namespace chain, fuses the per-namespace
// rankings and reranks them. When too few results clear the relevance
// floor it enqueues an external enrichment job without waiting for it.
func (o *Orchestrator) Search(ctx context.Context, req Request) (*Response, error) {
	chain, err := o.chain(req.UserID)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = o.config.DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	resp := &Response{Results: []Result{}, Namespaces: chain.Strings()}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return resp, nil
	}

	user := req.UserID
	if user == "" {
		user = anonymousUser
	}
	sem := o.userSemaphore(user)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	start := o.now()
	o.metrics.begin(ctx, user)
	resp, err = o.search(ctx, req, query, chain, limit, resp)
	elapsed := o.now().Sub(start)
	slow := elapsed > o.config.SlowQueryThreshold
	o.metrics.end(ctx, elapsed, slow, err)
	if err != nil {
		return nil, err
	}
	resp.Took = elapsed

	logger := o.logger.With("user_id", user, "query", utils.Truncate(query, 50))
	if slow {
		logger.Warn("slow search detected",
			"duration", elapsed,
			"results", len(resp.Results),
			"namespaces", resp.Namespaces)
	} else {
		logger.Debug("search completed",
			"duration", elapsed,
			"results", len(resp.Results),
			"coverage", resp.Coverage,
			"triggered_external", resp.TriggeredExternal)
	}
	return resp, nil
}

func (o *Orchestrator) chain(userID string) (namespace.Chain, error) {
	if userID == "" {
		return namespace.GlobalChain(), nil
	}
	return namespace.ResolveSearchChain(userID)
}

type namespaceOutcome struct {
	hits     []types.ScoredNode
	err      error
	timedOut bool
}

func (o *Orchestrator) search(ctx context.Context, req Request, query string, chain namespace.Chain, limit int, resp *Response) (*Response, error) {
	hq := types.HybridQuery{Text: query}
	if o.embedder != nil {
		vec, err := o.embedder.EmbedSingle(ctx, strings.ReplaceAll(query, "\n", " "))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.logger.Warn("query embedding failed, falling back to lexical search", "error", err)
		} else {
			hq.Vector = vec
		}
	}

	namespaces := chain.Strings()
	outcomes := make([]namespaceOutcome, len(namespaces))
	candidates := o.config.CandidateLimit
	if candidates < limit {
		candidates = limit
	}

	var g errgroup.Group
	for i, ns := range namespaces {
		g.Go(func() error {
			nsCtx, cancel := context.WithTimeout(ctx, o.config.NamespaceTimeout)
			defer cancel()
			hits, err := o.store.HybridSearch(nsCtx, ns, hq, candidates)
			if err == nil && nsCtx.Err() != nil {
				// finished after the deadline: discard rather than merge
				err = nsCtx.Err()
			}
			outcomes[i] = namespaceOutcome{hits: hits, err: err}
			if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				outcomes[i].timedOut = true
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var lists []RankedList
	var failed []string
	var firstErr error
	for i, out := range outcomes {
		ns := namespaces[i]
		switch {
		case out.timedOut:
			o.metrics.timeout(ctx, ns)
			resp.Degraded = append(resp.Degraded, ns)
			o.logger.Warn("namespace search timed out", "namespace", ns, "timeout", o.config.NamespaceTimeout)
		case out.err != nil:
			failed = append(failed, ns)
			if firstErr == nil {
				firstErr = out.err
			}
			o.logger.Warn("namespace search failed", "namespace", ns, "error", out.err)
		default:
			lists = append(lists, RankedList{Namespace: ns, Hits: out.hits})
		}
	}
	if len(failed) == len(namespaces) {
		return nil, fmt.Errorf("%w: every namespace failed: %w", types.ErrGraphUnavailable, firstErr)
	}

	fused := RRF(lists, o.config.RankConstant)
	for _, r := range fused {
		if r.Relevance >= o.config.RelevanceFloor {
			resp.Coverage++
		}
	}
	resp.CoverageOK = resp.Coverage >= o.config.CoverageThreshold

	ranked, err := o.rerank(ctx, req, fused)
	if err != nil {
		return nil, err
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	resp.Results = ranked

	if !resp.CoverageOK && len(lists) > 0 {
		o.escalate(ctx, req.UserID, query, resp)
	}
	return resp, nil
}

func (o *Orchestrator) rerank(ctx context.Context, req Request, fused []Result) ([]Result, error) {
	switch req.RerankMode {
	case types.RerankMMR:
		return MaximalMarginalRelevance(fused, o.config.MMRLambda), nil
	case types.RerankFocal:
		if req.FocalNodeUUID == "" {
			return fused, nil
		}
		return FocalRerank(ctx, o.store, fused, req.FocalNodeUUID, o.config.FocalMaxDepth, o.logger)
	default:
		return fused, nil
	}
}

// escalate enqueues an external_query job for (query, write namespace)
// unless one fired within the cooldown window.
func (o *Orchestrator) escalate(ctx context.Context, userID, query string, resp *Response) {
	if !o.config.EscalationEnabled || o.enqueuer == nil {
		return
	}
	writeNS, err := namespace.ResolveWriteNamespace(userID, userID == "")
	if err != nil {
		return
	}
	normalized := utils.NormalizeName(query)
	key := EscalationKey(query, writeNS)

	acquired, err := o.cooldown.Acquire(ctx, key, o.config.EscalationCooldown)
	if err != nil {
		o.logger.Warn("escalation cooldown unavailable, skipping", "namespace", writeNS, "error", err)
		return
	}
	if !acquired {
		o.logger.Debug("escalation suppressed by cooldown", "namespace", writeNS, "query", normalized)
		return
	}

	jobID, err := o.enqueuer.Enqueue(ctx, types.JobRequest{
		Namespace: writeNS,
		SourceRef: types.ExternalQueryPrefix + normalized,
		Kind:      types.JobExternalQuery,
		Title:     query,
	})
	switch {
	case err == nil:
	case errors.Is(err, types.ErrDuplicateJob):
		// enrichment for this query is already under way
		resp.JobID = jobID
		return
	default:
		o.logger.Warn("failed to enqueue escalation job", "namespace", writeNS, "error", err)
		if relErr := o.cooldown.Release(context.WithoutCancel(ctx), key); relErr != nil {
			o.logger.Warn("failed to release escalation cooldown", "error", relErr)
		}
		return
	}

	o.metrics.escalation(ctx)
	resp.TriggeredExternal = true
	resp.JobID = jobID
	o.logger.Info("coverage below threshold, external enrichment enqueued",
		"namespace", writeNS,
		"job_id", jobID,
		"coverage", resp.Coverage,
		"threshold", o.config.CoverageThreshold)
}
