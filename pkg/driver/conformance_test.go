package driver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// fixture builds ids and namespaces under a prefix so runs against a shared
// database do not collide.
type fixture struct {
	prefix string
	base   time.Time
}

func (f fixture) ns(name string) string { return f.prefix + name }
func (f fixture) id(name string) string { return f.prefix + name }

func (f fixture) node(ns, id string, typ types.NodeType, name string, vec []float32) *types.Node {
	return &types.Node{
		Uuid:      f.id(id),
		Type:      typ,
		Namespace: f.ns(ns),
		Name:      name,
		Embedding: vec,
		CreatedAt: f.base,
		UpdatedAt: f.base,
	}
}

func (f fixture) edge(ns, id string, typ types.EdgeType, src, tgt string) *types.Edge {
	return &types.Edge{
		Uuid:       f.id(id),
		Type:       typ,
		SourceUuid: f.id(src),
		TargetUuid: f.id(tgt),
		Namespace:  f.ns(ns),
		Confidence: 0.9,
		CreatedAt:  f.base,
	}
}

func (f fixture) episode(ns, id string) *types.Episode {
	return &types.Episode{
		Uuid:       f.id(id),
		Namespace:  f.ns(ns),
		Name:       "Paper_section_0",
		Content:    "We propose the Vision Transformer.",
		SourceType: "paper",
		SourceRef:  "arxiv:1234",
		CreatedAt:  f.base,
	}
}

// runConformance exercises the GraphStore contract against any backend.
func runConformance(t *testing.T, store GraphStore, prefix string) {
	f := fixture{prefix: prefix, base: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	// chain a -PROPOSES-> b -SOLVES-> c, plus d -IMPROVES_OVER-> b
	require.NoError(t, store.UpsertNode(ctx, f.node("user:a", "a", types.PaperNode, "Attention Is All You Need", []float32{1, 0, 0})))
	require.NoError(t, store.UpsertNode(ctx, f.node("user:a", "b", types.MethodNode, "Transformer", []float32{0.9, 0.1, 0})))
	require.NoError(t, store.UpsertNode(ctx, f.node("user:a", "c", types.TaskNode, "Machine Translation", []float32{0, 1, 0})))
	require.NoError(t, store.UpsertNode(ctx, f.node("user:a", "d", types.MethodNode, "Vision Transformer", []float32{0, 0, 1})))
	require.NoError(t, store.UpsertEdge(ctx, f.edge("user:a", "ab", types.ProposesEdge, "a", "b")))
	require.NoError(t, store.UpsertEdge(ctx, f.edge("user:a", "bc", types.SolvesEdge, "b", "c")))
	require.NoError(t, store.UpsertEdge(ctx, f.edge("user:a", "db", types.ImprovesOverEdge, "d", "b")))

	t.Run("get by uuid is namespace scoped", func(t *testing.T) {
		got, err := store.GetByUUID(ctx, f.ns("user:a"), f.id("b"))
		require.NoError(t, err)
		assert.Equal(t, "Transformer", got.Name)
		assert.Equal(t, "transformer", got.NormalizedName)

		_, err = store.GetByUUID(ctx, f.ns("global"), f.id("b"))
		assert.ErrorIs(t, err, types.ErrNodeNotFound)
	})

	t.Run("upsert merges properties", func(t *testing.T) {
		n := f.node("user:a", "m", types.DatasetNode, "ImageNet", nil)
		n.Properties = map[string]any{"size": "1M", "year": "2009"}
		require.NoError(t, store.UpsertNode(ctx, n))

		newer := f.node("user:a", "m", types.DatasetNode, "ImageNet", nil)
		newer.Properties = map[string]any{"size": "1.2M", "license": "custom"}
		newer.UpdatedAt = f.base.Add(time.Hour)
		require.NoError(t, store.UpsertNode(ctx, newer))

		got, err := store.GetByUUID(ctx, f.ns("user:a"), f.id("m"))
		require.NoError(t, err)
		assert.Equal(t, "1.2M", got.Properties["size"])
		assert.Equal(t, "2009", got.Properties["year"])
		assert.Equal(t, "custom", got.Properties["license"])
	})

	t.Run("uuid in another namespace conflicts", func(t *testing.T) {
		err := store.UpsertNode(ctx, f.node("global", "a", types.PaperNode, "Hijack", nil))
		assert.ErrorIs(t, err, types.ErrCommitConflict)
	})

	t.Run("find nodes by normalized name", func(t *testing.T) {
		got, err := store.FindNodes(ctx, f.ns("user:a"), types.NodeFilter{NormalizedName: "vision transformer"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, f.id("d"), got[0].Uuid)

		methods, err := store.FindNodes(ctx, f.ns("user:a"), types.NodeFilter{Types: []types.NodeType{types.MethodNode}})
		require.NoError(t, err)
		assert.Len(t, methods, 2)
	})

	t.Run("neighbors respect hops and direction", func(t *testing.T) {
		one, err := store.GetNeighbors(ctx, f.ns("user:a"), f.id("a"), 1, types.DirectionBoth, nil)
		require.NoError(t, err)
		require.Len(t, one, 1)
		assert.Equal(t, f.id("b"), one[0].Node.Uuid)
		assert.Equal(t, types.DirectionOutgoing, one[0].Direction)

		two, err := store.GetNeighbors(ctx, f.ns("user:a"), f.id("a"), 2, types.DirectionBoth, nil)
		require.NoError(t, err)
		hops := map[string]int{}
		for _, n := range two {
			hops[n.Node.Uuid] = n.Hops
		}
		assert.Equal(t, map[string]int{f.id("b"): 1, f.id("c"): 2, f.id("d"): 2}, hops)

		incoming, err := store.GetNeighbors(ctx, f.ns("user:a"), f.id("b"), 1, types.DirectionIncoming, nil)
		require.NoError(t, err)
		assert.Len(t, incoming, 2)
		for _, n := range incoming {
			assert.Equal(t, types.DirectionIncoming, n.Direction)
		}

		filtered, err := store.GetNeighbors(ctx, f.ns("user:a"), f.id("b"), 1, types.DirectionBoth, []types.EdgeType{types.SolvesEdge})
		require.NoError(t, err)
		require.Len(t, filtered, 1)
		assert.Equal(t, f.id("c"), filtered[0].Node.Uuid)

		_, err = store.GetNeighbors(ctx, f.ns("global"), f.id("a"), 1, types.DirectionBoth, nil)
		assert.ErrorIs(t, err, types.ErrNodeNotFound)
	})

	t.Run("shortest path", func(t *testing.T) {
		path, err := store.ShortestPath(ctx, f.ns("user:a"), f.id("a"), f.id("c"), 3)
		require.NoError(t, err)
		assert.Equal(t, 2, path.Hops())
		assert.Equal(t, []string{f.id("a"), f.id("b"), f.id("c")}, path.NodeUuids)

		undirected, err := store.ShortestPath(ctx, f.ns("user:a"), f.id("c"), f.id("d"), 3)
		require.NoError(t, err)
		assert.Equal(t, 2, undirected.Hops())

		_, err = store.ShortestPath(ctx, f.ns("user:a"), f.id("a"), f.id("c"), 1)
		assert.ErrorIs(t, err, types.ErrPathNotFound)

		self, err := store.ShortestPath(ctx, f.ns("user:a"), f.id("a"), f.id("a"), 3)
		require.NoError(t, err)
		assert.Equal(t, 0, self.Hops())

		_, err = store.ShortestPath(ctx, f.ns("user:a"), f.id("a"), f.id("missing"), 3)
		assert.ErrorIs(t, err, types.ErrNodeNotFound)
	})

	t.Run("hybrid search ranks and isolates", func(t *testing.T) {
		results, err := store.HybridSearch(ctx, f.ns("user:a"), types.HybridQuery{Text: "vision transformer", Vector: []float32{0, 0, 1}}, 5)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, f.id("d"), results[0].Node.Uuid)
		for i, r := range results {
			assert.Greater(t, r.Score, 0.0)
			assert.LessOrEqual(t, r.Score, 1.0)
			if i > 0 {
				assert.LessOrEqual(t, r.Score, results[i-1].Score)
			}
		}

		other, err := store.HybridSearch(ctx, f.ns("user:b"), types.HybridQuery{Text: "vision transformer"}, 5)
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("commit chunk is atomic", func(t *testing.T) {
		bad := &types.ChunkCommit{
			Namespace: f.ns("user:a"),
			Episode:   f.episode("user:a", "ep-bad"),
			Nodes:     []*types.Node{f.node("user:a", "x", types.ConceptNode, "Self Attention", nil)},
			Edges:     []*types.Edge{f.edge("user:a", "x-missing", types.HasConceptEdge, "x", "missing")},
		}
		require.Error(t, store.CommitChunk(ctx, bad))
		_, err := store.GetEpisode(ctx, f.ns("user:a"), f.id("ep-bad"))
		assert.ErrorIs(t, err, types.ErrNodeNotFound)
		_, err = store.GetByUUID(ctx, f.ns("user:a"), f.id("x"))
		assert.ErrorIs(t, err, types.ErrNodeNotFound)

		good := &types.ChunkCommit{
			Namespace: f.ns("user:a"),
			Episode:   f.episode("user:a", "ep-1"),
			Nodes:     []*types.Node{f.node("user:a", "y", types.ConceptNode, "Self Attention", nil)},
			Edges: []*types.Edge{
				f.edge("user:a", "by", types.HasConceptEdge, "b", "y"),
				f.edge("user:a", "ep-1-y", types.MentionsEdge, "ep-1", "y"),
				f.edge("user:a", "ep-1-b", types.MentionsEdge, "ep-1", "b"),
			},
		}
		require.NoError(t, store.CommitChunk(ctx, good))

		episodes, err := store.SourceEpisodes(ctx, f.ns("user:a"), f.id("y"), 10)
		require.NoError(t, err)
		require.Len(t, episodes, 1)
		assert.Equal(t, "arxiv:1234", episodes[0].SourceRef)

		// provenance edges are not relations
		neighbors, err := store.GetNeighbors(ctx, f.ns("user:a"), f.id("y"), 1, types.DirectionBoth, nil)
		require.NoError(t, err)
		require.Len(t, neighbors, 1)
		assert.Equal(t, f.id("b"), neighbors[0].Node.Uuid)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := store.Stats(ctx, f.ns("user:a"))
		require.NoError(t, err)
		assert.Equal(t, 6, stats.NodeCount)
		assert.Equal(t, 4, stats.EdgeCount)
		assert.Equal(t, 1, stats.EpisodeCount)
		assert.Equal(t, 2, stats.ByType[types.MethodNode])
		require.NotEmpty(t, stats.TopEntities)
		assert.Equal(t, f.id("b"), stats.TopEntities[0].Uuid)
		assert.Equal(t, 4, stats.TopEntities[0].Degree)

		empty, err := store.Stats(ctx, f.ns("user:nobody"))
		require.NoError(t, err)
		assert.Zero(t, empty.NodeCount)
	})

	t.Run("communities", func(t *testing.T) {
		communities, err := store.DetectCommunities(ctx, f.ns("user:a"))
		require.NoError(t, err)
		require.NotEmpty(t, communities)
		for _, c := range communities {
			assert.Equal(t, f.ns("user:a"), c.Namespace)
			assert.GreaterOrEqual(t, len(c.MemberNodeUuids), 2)
		}

		stored, err := store.GetCommunities(ctx, f.ns("user:a"))
		require.NoError(t, err)
		assert.Len(t, stored, len(communities))
	})

	t.Run("delete cascades edges", func(t *testing.T) {
		require.NoError(t, store.DeleteNode(ctx, f.ns("user:a"), f.id("b")))

		_, err := store.GetByUUID(ctx, f.ns("user:a"), f.id("b"))
		assert.ErrorIs(t, err, types.ErrNodeNotFound)
		_, err = store.GetEdge(ctx, f.ns("user:a"), f.id("ab"))
		assert.ErrorIs(t, err, types.ErrNodeNotFound)

		neighbors, err := store.GetNeighbors(ctx, f.ns("user:a"), f.id("a"), 3, types.DirectionBoth, nil)
		require.NoError(t, err)
		assert.Empty(t, neighbors)

		assert.ErrorIs(t, store.DeleteNode(ctx, f.ns("user:a"), f.id("b")), types.ErrNodeNotFound)
	})

	t.Run("commit without episode", func(t *testing.T) {
		bad := &types.ChunkCommit{
			Namespace: f.ns("user:c"),
			Nodes:     []*types.Node{f.node("user:c", "bert", types.MethodNode, "BERT", nil)},
			Edges:     []*types.Edge{f.edge("user:c", "bert-missing", types.EvaluatesOnEdge, "bert", "missing")},
		}
		require.Error(t, store.CommitChunk(ctx, bad))
		_, err := store.GetByUUID(ctx, f.ns("user:c"), f.id("bert"))
		assert.ErrorIs(t, err, types.ErrNodeNotFound)

		good := &types.ChunkCommit{
			Namespace: f.ns("user:c"),
			Nodes: []*types.Node{
				f.node("user:c", "bert", types.MethodNode, "BERT", nil),
				f.node("user:c", "glue", types.DatasetNode, "GLUE", nil),
			},
			Edges: []*types.Edge{f.edge("user:c", "bert-glue", types.EvaluatesOnEdge, "bert", "glue")},
		}
		require.NoError(t, store.CommitChunk(ctx, good))
		stats, err := store.Stats(ctx, f.ns("user:c"))
		require.NoError(t, err)
		assert.Equal(t, 2, stats.NodeCount)
		assert.Equal(t, 1, stats.EdgeCount)
		assert.Zero(t, stats.EpisodeCount)

		assert.Error(t, store.CommitChunk(ctx, &types.ChunkCommit{Namespace: f.ns("user:c")}))
	})

	t.Run("hybrid search is not crowded out by other namespaces", func(t *testing.T) {
		for i := 0; i < 120; i++ {
			require.NoError(t, store.UpsertNode(ctx, f.node("global", fmt.Sprintf("crowd-%d", i), types.MethodNode,
				fmt.Sprintf("Vision Transformer %d", i), []float32{0, 0, 1})))
		}
		require.NoError(t, store.UpsertNode(ctx, f.node("user:d", "mine", types.MethodNode, "Vision Transformer Tiny", []float32{0, 0.3, 1})))

		results, err := store.HybridSearch(ctx, f.ns("user:d"), types.HybridQuery{Text: "vision transformer", Vector: []float32{0, 0, 1}}, 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, f.id("mine"), results[0].Node.Uuid)

		lexical, err := store.HybridSearch(ctx, f.ns("user:d"), types.HybridQuery{Text: "vision transformer"}, 1)
		require.NoError(t, err)
		require.Len(t, lexical, 1)
		assert.Equal(t, f.id("mine"), lexical[0].Node.Uuid)
	})

	t.Run("namespaces with data", func(t *testing.T) {
		namespaces, err := store.Namespaces(ctx)
		require.NoError(t, err)
		assert.Contains(t, namespaces, f.ns("user:a"))
		assert.Contains(t, namespaces, f.ns("user:c"))
		assert.NotContains(t, namespaces, f.ns("user:nobody"))
		assert.IsNonDecreasing(t, namespaces)
	})
}
