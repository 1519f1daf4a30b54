package driver

import (
	"context"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// Consumers should depend on the smallest interface that meets their needs.
// Every method is namespace scoped and implementations filter inside the
// engine; a call never sees data from another namespace.

// NodeStore provides operations for managing entity nodes.
type NodeStore interface {
	// UpsertNode creates a node or merges it into the existing one with the
	// same uuid (property union, most recent wins).
	UpsertNode(ctx context.Context, node *types.Node) error

	// GetByUUID retrieves a single node. Returns types.ErrNodeNotFound when
	// the uuid does not exist in the namespace.
	GetByUUID(ctx context.Context, namespace, uuid string) (*types.Node, error)

	// FindNodes lists nodes matching the filter.
	FindNodes(ctx context.Context, namespace string, filter types.NodeFilter) ([]*types.Node, error)

	// DeleteNode hard-deletes a node and every edge touching it.
	DeleteNode(ctx context.Context, namespace, uuid string) error
}

// EdgeStore provides operations for managing edges.
type EdgeStore interface {
	// UpsertEdge creates or replaces an edge. Both endpoints must exist in
	// the edge's namespace.
	UpsertEdge(ctx context.Context, edge *types.Edge) error

	// GetEdge retrieves a single edge.
	GetEdge(ctx context.Context, namespace, uuid string) (*types.Edge, error)
}

// EpisodeStore provides provenance operations.
type EpisodeStore interface {
	UpsertEpisode(ctx context.Context, episode *types.Episode) error
	GetEpisode(ctx context.Context, namespace, uuid string) (*types.Episode, error)

	// SourceEpisodes returns the episodes that MENTION a node, newest first.
	SourceEpisodes(ctx context.Context, namespace, nodeUUID string, limit int) ([]*types.Episode, error)

	// CommitChunk writes an episode (optional) with its derived nodes and
	// edges as one all-or-nothing unit.
	CommitChunk(ctx context.Context, commit *types.ChunkCommit) error
}

// GraphTraversal provides operations for navigating the graph structure.
type GraphTraversal interface {
	// GetNeighbors walks up to hops relation edges from uuid. An empty
	// typeFilter follows every relation type. Each reachable node is
	// reported once, at its minimum distance.
	GetNeighbors(ctx context.Context, namespace, uuid string, hops int, direction types.Direction, typeFilter []types.EdgeType) ([]types.Neighbor, error)

	// ShortestPath ignores edge direction. Returns types.ErrPathNotFound
	// when target is farther than maxDepth.
	ShortestPath(ctx context.Context, namespace, source, target string, maxDepth int) (*types.Path, error)
}

// GraphSearcher provides ranked retrieval.
type GraphSearcher interface {
	// HybridSearch ranks nodes by a blend of vector similarity and lexical
	// overlap. Scores are in [0, 1], highest first.
	HybridSearch(ctx context.Context, namespace string, query types.HybridQuery, limit int) ([]types.ScoredNode, error)
}

// CommunityOperations provides batch community detection.
type CommunityOperations interface {
	// DetectCommunities recomputes the namespace's communities from a
	// snapshot and replaces the previous set.
	DetectCommunities(ctx context.Context, namespace string) ([]*types.Community, error)

	// GetCommunities returns the last computed set.
	GetCommunities(ctx context.Context, namespace string) ([]*types.Community, error)
}

// DatabaseAdmin provides administrative operations.
type DatabaseAdmin interface {
	Stats(ctx context.Context, namespace string) (*types.GraphStats, error)
	// Namespaces lists every namespace holding at least one node, sorted.
	Namespaces(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// GraphStore is the full adapter contract.
type GraphStore interface {
	NodeStore
	EdgeStore
	EpisodeStore
	GraphTraversal
	GraphSearcher
	CommunityOperations
	DatabaseAdmin
}

var (
	_ GraphStore = (*MemoryStore)(nil)
	_ GraphStore = (*Neo4jStore)(nil)
)
