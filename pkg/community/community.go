// Package community detects clusters of related entities inside one
// namespace. Detection runs over an immutable snapshot and returns a fresh
// set of communities; stores replace the namespace's previous set wholesale.
package community

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

const (
	DefaultMaxIterations = 100
	summaryMemberLimit   = 5
)

// communityNamespace seeds deterministic community uuids.
var communityNamespace = uuid.MustParse("6f0b2b0e-51c6-4a4e-9a57-5c8d1f3c2a10")

// Snapshot is a read-only copy of one namespace's entity graph.
type Snapshot struct {
	Namespace string
	Nodes     []*types.Node
	Edges     []*types.Edge
}

// Builder turns snapshots into communities.
type Builder struct {
	maxIterations int
	logger        *slog.Logger
	now           func() time.Time
}

// NewBuilder creates a community builder.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{maxIterations: DefaultMaxIterations, logger: logger, now: time.Now}
}

// Build clusters the snapshot with label propagation. MENTIONS edges are
// provenance, not relations, and are ignored.
func (b *Builder) Build(snapshot Snapshot) []*types.Community {
	projection := BuildProjection(snapshot.Nodes, snapshot.Edges)
	clusters := labelPropagation(projection, b.maxIterations)

	b.logger.Info("Clustering", "namespace", snapshot.Namespace, "num_nodes", len(snapshot.Nodes), "num_clusters", len(clusters))

	byUUID := make(map[string]*types.Node, len(snapshot.Nodes))
	for _, n := range snapshot.Nodes {
		byUUID[n.Uuid] = n
	}

	now := b.now().UTC()
	communities := make([]*types.Community, 0, len(clusters))
	for _, members := range clusters {
		communities = append(communities, &types.Community{
			Uuid:            CommunityUUID(snapshot.Namespace, members),
			Namespace:       snapshot.Namespace,
			MemberNodeUuids: members,
			Summary:         summarize(members, projection, byUUID),
			CreatedAt:       now,
		})
	}
	return communities
}

// BuildProjection folds relation edges between known nodes into an
// undirected weighted adjacency list. Every node appears, even if isolated.
func BuildProjection(nodes []*types.Node, edges []*types.Edge) Projection {
	projection := make(Projection, len(nodes))
	for _, n := range nodes {
		projection[n.Uuid] = nil
	}

	weights := make(map[[2]string]int)
	for _, e := range edges {
		if e.Type == types.MentionsEdge {
			continue
		}
		if _, ok := projection[e.SourceUuid]; !ok {
			continue
		}
		if _, ok := projection[e.TargetUuid]; !ok {
			continue
		}
		a, c := e.SourceUuid, e.TargetUuid
		if a > c {
			a, c = c, a
		}
		weights[[2]string{a, c}]++
	}

	pairs := make([][2]string, 0, len(weights))
	for pair := range weights {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	for _, pair := range pairs {
		w := weights[pair]
		projection[pair[0]] = append(projection[pair[0]], Neighbor{NodeUUID: pair[1], EdgeCount: w})
		projection[pair[1]] = append(projection[pair[1]], Neighbor{NodeUUID: pair[0], EdgeCount: w})
	}
	return projection
}

// CommunityUUID derives a stable id from the namespace and sorted members, so
// recomputing an unchanged graph yields the same communities.
func CommunityUUID(namespace string, members []string) string {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	return uuid.NewSHA1(communityNamespace, []byte(namespace+"|"+strings.Join(sorted, ","))).String()
}

func summarize(members []string, projection Projection, nodes map[string]*types.Node) string {
	ranked := append([]string(nil), members...)
	degree := func(id string) int {
		total := 0
		for _, n := range projection[id] {
			total += n.EdgeCount
		}
		return total
	}
	sort.SliceStable(ranked, func(i, j int) bool { return degree(ranked[i]) > degree(ranked[j]) })

	var names []string
	for _, id := range ranked {
		if n, ok := nodes[id]; ok {
			names = append(names, fmt.Sprintf("%s (%s)", n.Name, n.Type))
		}
		if len(names) == summaryMemberLimit {
			break
		}
	}
	return fmt.Sprintf("%d related entities: %s", len(members), strings.Join(names, ", "))
}
