package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/6chenhua/research-agent-backend/pkg/community"
	"github.com/6chenhua/research-agent-backend/pkg/types"
	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

// partition holds one namespace's data. Adjacency lists store edge uuids.
type partition struct {
	nodes       map[string]*types.Node
	edges       map[string]*types.Edge
	episodes    map[string]*types.Episode
	out         map[string]map[string]struct{}
	in          map[string]map[string]struct{}
	communities []*types.Community
}

func newPartition() *partition {
	return &partition{
		nodes:    make(map[string]*types.Node),
		edges:    make(map[string]*types.Edge),
		episodes: make(map[string]*types.Episode),
		out:      make(map[string]map[string]struct{}),
		in:       make(map[string]map[string]struct{}),
	}
}

func (p *partition) link(e *types.Edge) {
	if p.out[e.SourceUuid] == nil {
		p.out[e.SourceUuid] = make(map[string]struct{})
	}
	if p.in[e.TargetUuid] == nil {
		p.in[e.TargetUuid] = make(map[string]struct{})
	}
	p.out[e.SourceUuid][e.Uuid] = struct{}{}
	p.in[e.TargetUuid][e.Uuid] = struct{}{}
	p.edges[e.Uuid] = e
}

func (p *partition) unlink(e *types.Edge) {
	delete(p.out[e.SourceUuid], e.Uuid)
	delete(p.in[e.TargetUuid], e.Uuid)
	delete(p.edges, e.Uuid)
}

// sortedEdges returns the edges in set ordered by uuid.
func (p *partition) sortedEdges(set map[string]struct{}) []*types.Edge {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*types.Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.edges[id])
	}
	return out
}

// MemoryStore is an in-process GraphStore. It backs tests and single-node
// deployments that do not need Neo4j.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]*partition
	nodeOwner  map[string]string
	edgeOwner  map[string]string
	weights    HybridWeights
	builder    *community.Builder
	logger     *slog.Logger
	closed     bool
	now        func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryHybridWeights overrides the default hybrid score blend.
func WithMemoryHybridWeights(w HybridWeights) MemoryOption {
	return func(m *MemoryStore) { m.weights = w }
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(m *MemoryStore) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		partitions: make(map[string]*partition),
		nodeOwner:  make(map[string]string),
		edgeOwner:  make(map[string]string),
		weights:    DefaultHybridWeights(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.builder = community.NewBuilder(m.logger)
	return m
}

func (m *MemoryStore) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return fmt.Errorf("%w: memory store is closed", types.ErrGraphUnavailable)
	}
	return nil
}

func (m *MemoryStore) partition(namespace string) *partition {
	p, ok := m.partitions[namespace]
	if !ok {
		p = newPartition()
		m.partitions[namespace] = p
	}
	return p
}

func (m *MemoryStore) stamp(n *types.Node) {
	now := m.now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = now
	}
	if n.NormalizedName == "" {
		n.NormalizedName = utils.NormalizeName(n.Name)
	}
}

// UpsertNode implements NodeStore.
func (m *MemoryStore) UpsertNode(ctx context.Context, node *types.Node) error {
	if node == nil {
		return types.ErrEmptyUUID
	}
	if err := node.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(ctx); err != nil {
		return err
	}
	if owner, ok := m.nodeOwner[node.Uuid]; ok && owner != node.Namespace {
		return fmt.Errorf("%w: node %s belongs to another namespace", types.ErrCommitConflict, node.Uuid)
	}
	m.putNode(node.Clone())
	return nil
}

// putNode merges n into the partition. Caller holds the write lock.
func (m *MemoryStore) putNode(n *types.Node) {
	m.stamp(n)
	p := m.partition(n.Namespace)
	if existing, ok := p.nodes[n.Uuid]; ok {
		merged := existing.Clone()
		merged.Merge(n)
		p.nodes[n.Uuid] = merged
		return
	}
	p.nodes[n.Uuid] = n
	m.nodeOwner[n.Uuid] = n.Namespace
}

// GetByUUID implements NodeStore.
func (m *MemoryStore) GetByUUID(ctx context.Context, namespace, uuid string) (*types.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	p, ok := m.partitions[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNodeNotFound, uuid)
	}
	n, ok := p.nodes[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNodeNotFound, uuid)
	}
	return n.Clone(), nil
}

// FindNodes implements NodeStore. Results are ordered by name, then uuid.
func (m *MemoryStore) FindNodes(ctx context.Context, namespace string, filter types.NodeFilter) ([]*types.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	p, ok := m.partitions[namespace]
	if !ok {
		return nil, nil
	}

	var out []*types.Node
	for _, n := range p.nodes {
		if filter.NormalizedName != "" && n.NormalizedName != filter.NormalizedName {
			continue
		}
		if len(filter.Types) > 0 && !hasNodeType(filter.Types, n.Type) {
			continue
		}
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Uuid < out[j].Uuid
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func hasNodeType(wanted []types.NodeType, t types.NodeType) bool {
	for _, candidate := range wanted {
		if candidate == t {
			return true
		}
	}
	return false
}

// DeleteNode implements NodeStore.
func (m *MemoryStore) DeleteNode(ctx context.Context, namespace, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(ctx); err != nil {
		return err
	}
	p, ok := m.partitions[namespace]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNodeNotFound, uuid)
	}
	if _, ok := p.nodes[uuid]; !ok {
		return fmt.Errorf("%w: %s", types.ErrNodeNotFound, uuid)
	}
	for _, e := range p.sortedEdges(p.out[uuid]) {
		p.unlink(e)
		delete(m.edgeOwner, e.Uuid)
	}
	for _, e := range p.sortedEdges(p.in[uuid]) {
		p.unlink(e)
		delete(m.edgeOwner, e.Uuid)
	}
	delete(p.out, uuid)
	delete(p.in, uuid)
	delete(p.nodes, uuid)
	delete(m.nodeOwner, uuid)
	return nil
}

// UpsertEdge implements EdgeStore.
func (m *MemoryStore) UpsertEdge(ctx context.Context, edge *types.Edge) error {
	if edge == nil {
		return types.ErrEmptyUUID
	}
	if err := edge.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(ctx); err != nil {
		return err
	}
	if err := m.checkEdge(edge, nil); err != nil {
		return err
	}
	m.putEdge(edge)
	return nil
}

// checkEdge verifies ownership and endpoints. pending holds nodes and the
// episode of an in-flight commit that count as present.
func (m *MemoryStore) checkEdge(edge *types.Edge, pending *types.ChunkCommit) error {
	if owner, ok := m.edgeOwner[edge.Uuid]; ok && owner != edge.Namespace {
		return fmt.Errorf("%w: edge %s belongs to another namespace", types.ErrCommitConflict, edge.Uuid)
	}
	p := m.partitions[edge.Namespace]
	hasNode := func(id string) bool {
		if p != nil {
			if _, ok := p.nodes[id]; ok {
				return true
			}
		}
		if pending != nil {
			for _, n := range pending.Nodes {
				if n.Uuid == id {
					return true
				}
			}
		}
		return false
	}
	hasEpisode := func(id string) bool {
		if p != nil {
			if _, ok := p.episodes[id]; ok {
				return true
			}
		}
		return pending != nil && pending.Episode != nil && pending.Episode.Uuid == id
	}

	if edge.Type == types.MentionsEdge {
		if !hasEpisode(edge.SourceUuid) {
			return fmt.Errorf("%w: MENTIONS source %s is not an episode in %s", types.ErrNodeNotFound, edge.SourceUuid, edge.Namespace)
		}
	} else if !hasNode(edge.SourceUuid) {
		return fmt.Errorf("%w: edge source %s not in %s", types.ErrNodeNotFound, edge.SourceUuid, edge.Namespace)
	}
	if !hasNode(edge.TargetUuid) {
		return fmt.Errorf("%w: edge target %s not in %s", types.ErrNodeNotFound, edge.TargetUuid, edge.Namespace)
	}
	return nil
}

func (m *MemoryStore) putEdge(edge *types.Edge) {
	e := *edge
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now().UTC()
	}
	p := m.partition(e.Namespace)
	if existing, ok := p.edges[e.Uuid]; ok {
		p.unlink(existing)
	}
	p.link(&e)
	m.edgeOwner[e.Uuid] = e.Namespace
}

// GetEdge implements EdgeStore.
func (m *MemoryStore) GetEdge(ctx context.Context, namespace, uuid string) (*types.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	if p, ok := m.partitions[namespace]; ok {
		if e, ok := p.edges[uuid]; ok {
			c := *e
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: edge %s", types.ErrNodeNotFound, uuid)
}

// UpsertEpisode implements EpisodeStore. Episodes are immutable; writing an
// existing uuid again is a no-op.
func (m *MemoryStore) UpsertEpisode(ctx context.Context, episode *types.Episode) error {
	if episode == nil {
		return types.ErrEmptyUUID
	}
	if err := episode.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(ctx); err != nil {
		return err
	}
	if owner, ok := m.nodeOwner[episode.Uuid]; ok && owner != episode.Namespace {
		return fmt.Errorf("%w: episode %s belongs to another namespace", types.ErrCommitConflict, episode.Uuid)
	}
	m.putEpisode(episode)
	return nil
}

func (m *MemoryStore) putEpisode(episode *types.Episode) {
	p := m.partition(episode.Namespace)
	if _, ok := p.episodes[episode.Uuid]; ok {
		return
	}
	ep := *episode
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = m.now().UTC()
	}
	p.episodes[ep.Uuid] = &ep
	m.nodeOwner[ep.Uuid] = ep.Namespace
}

// GetEpisode implements EpisodeStore.
func (m *MemoryStore) GetEpisode(ctx context.Context, namespace, uuid string) (*types.Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	if p, ok := m.partitions[namespace]; ok {
		if ep, ok := p.episodes[uuid]; ok {
			c := *ep
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: episode %s", types.ErrNodeNotFound, uuid)
}

// SourceEpisodes implements EpisodeStore.
func (m *MemoryStore) SourceEpisodes(ctx context.Context, namespace, nodeUUID string, limit int) ([]*types.Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	p, ok := m.partitions[namespace]
	if !ok {
		return nil, nil
	}
	var out []*types.Episode
	for _, e := range p.sortedEdges(p.in[nodeUUID]) {
		if e.Type != types.MentionsEdge {
			continue
		}
		if ep, ok := p.episodes[e.SourceUuid]; ok {
			c := *ep
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Uuid < out[j].Uuid
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CommitChunk implements EpisodeStore. The whole commit is validated before
// anything is written, so a rejected commit leaves no trace.
func (m *MemoryStore) CommitChunk(ctx context.Context, commit *types.ChunkCommit) error {
	if err := validateCommit(commit); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(ctx); err != nil {
		return err
	}

	if commit.Episode != nil {
		if owner, ok := m.nodeOwner[commit.Episode.Uuid]; ok && owner != commit.Namespace {
			return fmt.Errorf("%w: episode %s belongs to another namespace", types.ErrCommitConflict, commit.Episode.Uuid)
		}
	}
	for _, n := range commit.Nodes {
		if owner, ok := m.nodeOwner[n.Uuid]; ok && owner != commit.Namespace {
			return fmt.Errorf("%w: node %s belongs to another namespace", types.ErrCommitConflict, n.Uuid)
		}
	}
	for _, e := range commit.Edges {
		if err := m.checkEdge(e, commit); err != nil {
			return err
		}
	}

	if commit.Episode != nil {
		m.putEpisode(commit.Episode)
	}
	for _, n := range commit.Nodes {
		m.putNode(n.Clone())
	}
	for _, e := range commit.Edges {
		m.putEdge(e)
	}
	return nil
}

// GetNeighbors implements GraphTraversal with a breadth-first walk.
func (m *MemoryStore) GetNeighbors(ctx context.Context, namespace, uuid string, hops int, direction types.Direction, typeFilter []types.EdgeType) ([]types.Neighbor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	p, ok := m.partitions[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNodeNotFound, uuid)
	}
	if _, ok := p.nodes[uuid]; !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNodeNotFound, uuid)
	}

	hops = clampHops(hops)
	visited := map[string]struct{}{uuid: {}}
	frontier := []string{uuid}
	var result []types.Neighbor

	for depth := 1; depth <= hops && len(frontier) > 0; depth++ {
		var next []string
		for _, current := range frontier {
			for _, step := range p.steps(current, direction) {
				if !containsEdgeType(typeFilter, step.edge.Type) {
					continue
				}
				if _, seen := visited[step.other]; seen {
					continue
				}
				node, ok := p.nodes[step.other]
				if !ok {
					continue
				}
				visited[step.other] = struct{}{}
				edge := *step.edge
				result = append(result, types.Neighbor{
					Node:      node.Clone(),
					Edge:      &edge,
					Direction: step.direction,
					Hops:      depth,
				})
				next = append(next, step.other)
			}
		}
		frontier = next
	}
	return result, nil
}

type step struct {
	edge      *types.Edge
	other     string
	direction types.Direction
}

func (p *partition) steps(uuid string, direction types.Direction) []step {
	var out []step
	if direction != types.DirectionIncoming {
		for _, e := range p.sortedEdges(p.out[uuid]) {
			out = append(out, step{edge: e, other: e.TargetUuid, direction: types.DirectionOutgoing})
		}
	}
	if direction != types.DirectionOutgoing {
		for _, e := range p.sortedEdges(p.in[uuid]) {
			out = append(out, step{edge: e, other: e.SourceUuid, direction: types.DirectionIncoming})
		}
	}
	return out
}

// ShortestPath implements GraphTraversal. Edge direction is ignored and
// MENTIONS edges are never followed.
func (m *MemoryStore) ShortestPath(ctx context.Context, namespace, source, target string, maxDepth int) (*types.Path, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	p, ok := m.partitions[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNodeNotFound, source)
	}
	for _, id := range []string{source, target} {
		if _, ok := p.nodes[id]; !ok {
			return nil, fmt.Errorf("%w: %s", types.ErrNodeNotFound, id)
		}
	}
	if source == target {
		return &types.Path{NodeUuids: []string{source}}, nil
	}

	type hop struct {
		prev string
		edge string
	}
	parents := map[string]hop{source: {}}
	frontier := []string{source}
	maxDepth = clampDepth(maxDepth)

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, current := range frontier {
			for _, s := range p.steps(current, types.DirectionBoth) {
				if s.edge.Type == types.MentionsEdge {
					continue
				}
				if _, seen := parents[s.other]; seen {
					continue
				}
				parents[s.other] = hop{prev: current, edge: s.edge.Uuid}
				if s.other == target {
					return buildPath(source, target, func(id string) (string, string) {
						h := parents[id]
						return h.prev, h.edge
					}), nil
				}
				next = append(next, s.other)
			}
		}
		frontier = next
	}
	return nil, fmt.Errorf("%w: %s to %s within %d hops", types.ErrPathNotFound, source, target, maxDepth)
}

func buildPath(source, target string, parent func(string) (string, string)) *types.Path {
	nodes := []string{target}
	var edges []string
	for id := target; id != source; {
		prev, edge := parent(id)
		edges = append(edges, edge)
		nodes = append(nodes, prev)
		id = prev
	}
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	for i, j := 0, len(edges)-1; i < j; i, j = i+1, j-1 {
		edges[i], edges[j] = edges[j], edges[i]
	}
	return &types.Path{NodeUuids: nodes, EdgeUuids: edges}
}

// HybridSearch implements GraphSearcher.
func (m *MemoryStore) HybridSearch(ctx context.Context, namespace string, query types.HybridQuery, limit int) ([]types.ScoredNode, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	p, ok := m.partitions[namespace]
	if !ok {
		return nil, nil
	}

	terms := distinctTerms(query.Text)
	var results []types.ScoredNode
	for _, n := range p.nodes {
		vector := 0.0
		if len(query.Vector) > 0 {
			vector = utils.CosineSimilarity(query.Vector, n.Embedding)
		}
		lexical := lexicalScore(terms, n.Name+" "+n.Summary)
		score := m.weights.combine(vector, lexical)
		if score <= 0 {
			continue
		}
		results = append(results, types.ScoredNode{Node: n.Clone(), Score: score})
	}
	return topScored(results, limit), nil
}

// DetectCommunities implements CommunityOperations.
func (m *MemoryStore) DetectCommunities(ctx context.Context, namespace string) ([]*types.Community, error) {
	m.mu.RLock()
	if err := m.ready(ctx); err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	snapshot := community.Snapshot{Namespace: namespace}
	if p, ok := m.partitions[namespace]; ok {
		for _, n := range p.nodes {
			snapshot.Nodes = append(snapshot.Nodes, n.Clone())
		}
		for _, e := range p.edges {
			if e.Type != types.MentionsEdge {
				c := *e
				snapshot.Edges = append(snapshot.Edges, &c)
			}
		}
	}
	m.mu.RUnlock()

	communities := m.builder.Build(snapshot)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	m.partition(namespace).communities = communities
	return communities, nil
}

// GetCommunities implements CommunityOperations.
func (m *MemoryStore) GetCommunities(ctx context.Context, namespace string) ([]*types.Community, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	p, ok := m.partitions[namespace]
	if !ok {
		return nil, nil
	}
	return append([]*types.Community(nil), p.communities...), nil
}

// Namespaces implements DatabaseAdmin.
func (m *MemoryStore) Namespaces(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	var out []string
	for ns, p := range m.partitions {
		if len(p.nodes) > 0 {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Stats implements DatabaseAdmin.
func (m *MemoryStore) Stats(ctx context.Context, namespace string) (*types.GraphStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	stats := &types.GraphStats{Namespace: namespace, ByType: make(map[types.NodeType]int)}
	p, ok := m.partitions[namespace]
	if !ok {
		return stats, nil
	}

	degree := make(map[string]int)
	for _, e := range p.edges {
		if e.Type == types.MentionsEdge {
			continue
		}
		stats.EdgeCount++
		degree[e.SourceUuid]++
		degree[e.TargetUuid]++
	}
	for _, n := range p.nodes {
		stats.NodeCount++
		stats.ByType[n.Type]++
		if d := degree[n.Uuid]; d > 0 {
			stats.TopEntities = append(stats.TopEntities, types.EntityDegree{Uuid: n.Uuid, Name: n.Name, Degree: d})
		}
	}
	stats.EpisodeCount = len(p.episodes)
	stats.TopEntities = topByDegree(stats.TopEntities, topEntityLimit)
	return stats, nil
}

const topEntityLimit = 5

func topByDegree(entities []types.EntityDegree, limit int) []types.EntityDegree {
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Degree != entities[j].Degree {
			return entities[i].Degree > entities[j].Degree
		}
		return entities[i].Uuid < entities[j].Uuid
	})
	if len(entities) > limit {
		entities = entities[:limit]
	}
	return entities
}

// Ping implements DatabaseAdmin.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready(ctx)
}

// Close implements DatabaseAdmin. Every later call fails with
// types.ErrGraphUnavailable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
