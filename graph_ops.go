package researchagent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/6chenhua/research-agent-backend/pkg/ingest"
	"github.com/6chenhua/research-agent-backend/pkg/namespace"
	"github.com/6chenhua/research-agent-backend/pkg/types"
	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

// SourceEpisodeLimit caps the provenance returned with a node.
const SourceEpisodeLimit = 10

// locate finds uuid in the first namespace of the caller's chain that has it.
func (c *Core) locate(ctx context.Context, userID, nodeUUID string) (*types.Node, error) {
	if nodeUUID == "" {
		return nil, fmt.Errorf("%w: node uuid is empty", types.ErrInvalidIdentifier)
	}
	chain, err := c.chain(userID)
	if err != nil {
		return nil, err
	}
	for _, ns := range chain {
		node, err := c.store.GetByUUID(ctx, ns.String(), nodeUUID)
		if err == nil {
			return node, nil
		}
		if !errors.Is(err, types.ErrNodeNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", types.ErrNodeNotFound, nodeUUID)
}

// GetNode returns a node with its direct neighbors and the episodes it was
// extracted from.
func (c *Core) GetNode(ctx context.Context, userID, nodeUUID string) (*types.NodeDetail, error) {
	node, err := c.locate(ctx, userID, nodeUUID)
	if err != nil {
		return nil, err
	}

	neighbors, err := c.store.GetNeighbors(ctx, node.Namespace, node.Uuid, 1, types.DirectionBoth, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get neighbors: %w", err)
	}
	episodes, err := c.store.SourceEpisodes(ctx, node.Namespace, node.Uuid, SourceEpisodeLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to get source episodes: %w", err)
	}

	return &types.NodeDetail{
		Node:           node,
		Neighbors:      neighbors,
		SourceEpisodes: episodes,
	}, nil
}

// GetNeighbors walks relation edges from a node in the namespace it lives in.
func (c *Core) GetNeighbors(ctx context.Context, userID, nodeUUID string, hops int, direction types.Direction, typeFilter []types.EdgeType) ([]types.Neighbor, error) {
	node, err := c.locate(ctx, userID, nodeUUID)
	if err != nil {
		return nil, err
	}
	return c.store.GetNeighbors(ctx, node.Namespace, node.Uuid, hops, direction, typeFilter)
}

// ShortestPath finds a path between two nodes of the same namespace.
func (c *Core) ShortestPath(ctx context.Context, userID, source, target string, maxDepth int) (*types.Path, error) {
	node, err := c.locate(ctx, userID, source)
	if err != nil {
		return nil, err
	}
	return c.store.ShortestPath(ctx, node.Namespace, node.Uuid, target, maxDepth)
}

// DetectCommunities recomputes the communities of ns.
func (c *Core) DetectCommunities(ctx context.Context, userID, ns string) ([]*types.Community, error) {
	if err := c.checkAccess(userID, ns); err != nil {
		return nil, err
	}
	start := time.Now()
	communities, err := c.store.DetectCommunities(ctx, ns)
	if err != nil {
		return nil, err
	}
	c.logger.Info("communities detected", "namespace", ns, "count", len(communities), "took", time.Since(start))
	return communities, nil
}

// RefreshCommunities recomputes the communities of every namespace that
// holds data. A failing namespace is logged and skipped; the joined errors
// are returned once all namespaces were tried.
func (c *Core) RefreshCommunities(ctx context.Context) (int, error) {
	namespaces, err := c.store.Namespaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list namespaces: %w", err)
	}
	var (
		refreshed int
		errs      []error
	)
	for _, ns := range namespaces {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		communities, err := c.store.DetectCommunities(ctx, ns)
		if err != nil {
			c.logger.Warn("community refresh failed", "namespace", ns, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", ns, err))
			continue
		}
		refreshed++
		c.logger.Debug("communities refreshed", "namespace", ns, "count", len(communities))
	}
	return refreshed, errors.Join(errs...)
}

// RunCommunityRefresh calls RefreshCommunities every interval until ctx is
// done. A non-positive interval returns immediately.
func (c *Core) RunCommunityRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("community refresh started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := c.RefreshCommunities(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				c.logger.Error("community refresh incomplete", "namespaces", n, "error", err)
				continue
			}
			c.logger.Info("community refresh finished", "namespaces", n, "took", time.Since(start))
		}
	}
}

// GetCommunities returns the last computed communities of ns.
func (c *Core) GetCommunities(ctx context.Context, userID, ns string) ([]*types.Community, error) {
	if err := c.checkAccess(userID, ns); err != nil {
		return nil, err
	}
	return c.store.GetCommunities(ctx, ns)
}

// GraphStats summarizes a namespace.
func (c *Core) GraphStats(ctx context.Context, userID, ns string) (*types.GraphStats, error) {
	if err := c.checkAccess(userID, ns); err != nil {
		return nil, err
	}
	return c.store.Stats(ctx, ns)
}

// Triplet is a manually asserted (subject, relation, object) fact.
type Triplet struct {
	Source     *types.Node
	Target     *types.Node
	Type       types.EdgeType
	Fact       string
	Confidence float64
}

// TripletResult holds the nodes and edge a triplet resolved to.
type TripletResult struct {
	Source *types.Node `json:"source"`
	Edge   *types.Edge `json:"edge"`
	Target *types.Node `json:"target"`
}

// AddTriplet writes a fact directly, bypassing extraction. Endpoints that
// match an existing node by normalized name and type are merged into it.
func (c *Core) AddTriplet(ctx context.Context, userID string, toGlobal bool, t Triplet) (*TripletResult, error) {
	ns, err := namespace.ResolveWriteNamespace(userID, toGlobal)
	if err != nil {
		return nil, err
	}
	if t.Source == nil || t.Target == nil {
		return nil, fmt.Errorf("%w: triplet needs a source and a target", types.ErrInvalidIdentifier)
	}
	rel, ok := c.pipeline.Schema().Relation(t.Type)
	if !ok {
		return nil, fmt.Errorf("%w: relation %q", types.ErrUnknownType, t.Type)
	}
	if !rel.Allows(t.Source.Type, t.Target.Type) {
		return nil, fmt.Errorf("%w: %s cannot link %s to %s", types.ErrUnknownType, t.Type, t.Source.Type, t.Target.Type)
	}

	// Resolution and commit share the namespace's exclusive section with
	// ingestion so that no two writers create the same name+type node.
	unlock, err := c.nsLocks.Lock(ctx, ns)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := time.Now().UTC()
	source, err := c.resolveTripletNode(ctx, ns, t.Source, now)
	if err != nil {
		return nil, err
	}
	target, err := c.resolveTripletNode(ctx, ns, t.Target, now)
	if err != nil {
		return nil, err
	}
	if source.Uuid == target.Uuid {
		return nil, types.ErrSelfLoop
	}

	confidence := t.Confidence
	if confidence <= 0 {
		confidence = 1
	}
	edge := &types.Edge{
		Uuid:       ingest.RelationUUID(ns, t.Type, source.Uuid, target.Uuid),
		Type:       t.Type,
		SourceUuid: source.Uuid,
		TargetUuid: target.Uuid,
		Namespace:  ns,
		FactText:   t.Fact,
		Confidence: confidence,
		CreatedAt:  now,
	}

	commit := &types.ChunkCommit{
		Namespace: ns,
		Nodes:     []*types.Node{source, target},
		Edges:     []*types.Edge{edge},
	}
	if err := c.store.CommitChunk(ctx, commit); err != nil {
		return nil, fmt.Errorf("failed to commit triplet: %w", err)
	}

	c.logger.Info("triplet added", "namespace", ns, "source", source.Name, "type", t.Type, "target", target.Name)
	return &TripletResult{Source: source, Edge: edge, Target: target}, nil
}

func (c *Core) resolveTripletNode(ctx context.Context, ns string, in *types.Node, now time.Time) (*types.Node, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, types.ErrEmptyName
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: entity type %q", types.ErrUnknownType, in.Type)
	}
	normalized := utils.NormalizeName(name)

	candidate := &types.Node{
		Type:           in.Type,
		Namespace:      ns,
		Name:           name,
		NormalizedName: normalized,
		Summary:        in.Summary,
		Properties:     in.Properties,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if c.embedder != nil {
		vec, err := c.embedder.EmbedSingle(ctx, ingest.EmbeddingText(name, in.Summary))
		if err != nil {
			return nil, fmt.Errorf("failed to embed %q: %w", name, err)
		}
		candidate.Embedding = vec
	}

	existing, err := c.store.FindNodes(ctx, ns, types.NodeFilter{
		Types:          []types.NodeType{in.Type},
		NormalizedName: normalized,
		Limit:          1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up %q: %w", name, err)
	}
	if len(existing) == 0 {
		candidate.Uuid = uuid.NewString()
		return candidate, nil
	}

	merged := existing[0].Clone()
	merged.Merge(candidate)
	return merged, nil
}

// DeleteNode hard-deletes a node of the caller's write namespace together
// with its edges.
func (c *Core) DeleteNode(ctx context.Context, userID string, fromGlobal bool, nodeUUID string) error {
	ns, err := namespace.ResolveWriteNamespace(userID, fromGlobal)
	if err != nil {
		return err
	}
	unlock, err := c.nsLocks.Lock(ctx, ns)
	if err != nil {
		return err
	}
	defer unlock()
	if err := c.store.DeleteNode(ctx, ns, nodeUUID); err != nil {
		return err
	}
	c.logger.Info("node deleted", "namespace", ns, "uuid", nodeUUID)
	return nil
}
