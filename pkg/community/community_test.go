package community

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

func node(id, name string, t types.NodeType) *types.Node {
	return &types.Node{Uuid: id, Name: name, Type: t, Namespace: "global"}
}

func edge(id, src, tgt string, t types.EdgeType) *types.Edge {
	return &types.Edge{Uuid: id, SourceUuid: src, TargetUuid: tgt, Type: t, Namespace: "global"}
}

func twoClusterSnapshot() Snapshot {
	return Snapshot{
		Namespace: "global",
		Nodes: []*types.Node{
			node("a1", "ViT", types.MethodNode),
			node("a2", "ImageNet", types.DatasetNode),
			node("a3", "Image Classification", types.TaskNode),
			node("b1", "BERT", types.MethodNode),
			node("b2", "SQuAD", types.DatasetNode),
			node("b3", "Question Answering", types.TaskNode),
			node("lonely", "Nothing", types.ConceptNode),
		},
		Edges: []*types.Edge{
			edge("e1", "a1", "a2", types.EvaluatesOnEdge),
			edge("e2", "a1", "a3", types.SolvesEdge),
			edge("e3", "a2", "a3", types.HasConceptEdge),
			edge("e4", "b1", "b2", types.EvaluatesOnEdge),
			edge("e5", "b1", "b3", types.SolvesEdge),
			edge("e6", "b2", "b3", types.HasConceptEdge),
			edge("m1", "a1", "b1", types.MentionsEdge),
		},
	}
}

func TestBuildFindsClusters(t *testing.T) {
	b := NewBuilder(nil)
	b.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	communities := b.Build(twoClusterSnapshot())
	require.Len(t, communities, 2)

	var memberSets [][]string
	for _, c := range communities {
		assert.Equal(t, "global", c.Namespace)
		assert.NotEmpty(t, c.Summary)
		memberSets = append(memberSets, c.MemberNodeUuids)
	}
	assert.ElementsMatch(t, [][]string{{"a1", "a2", "a3"}, {"b1", "b2", "b3"}}, memberSets)
}

func TestBuildIsDeterministic(t *testing.T) {
	b := NewBuilder(nil)
	first := b.Build(twoClusterSnapshot())
	for i := 0; i < 5; i++ {
		again := b.Build(twoClusterSnapshot())
		require.Len(t, again, len(first))
		for j := range first {
			assert.Equal(t, first[j].Uuid, again[j].Uuid)
			assert.Equal(t, first[j].MemberNodeUuids, again[j].MemberNodeUuids)
		}
	}
}

func TestBuildProjectionIgnoresMentionsAndForeignNodes(t *testing.T) {
	projection := BuildProjection(
		[]*types.Node{node("x", "X", types.MethodNode), node("y", "Y", types.MethodNode)},
		[]*types.Edge{
			edge("1", "x", "y", types.ImprovesOverEdge),
			edge("2", "y", "x", types.ImprovesOverEdge),
			edge("3", "x", "z", types.ImprovesOverEdge),
			edge("4", "ep", "x", types.MentionsEdge),
		},
	)
	require.Len(t, projection, 2)
	assert.Equal(t, []Neighbor{{NodeUUID: "y", EdgeCount: 2}}, projection["x"])
	assert.Equal(t, []Neighbor{{NodeUUID: "x", EdgeCount: 2}}, projection["y"])
}

func TestCommunityUUIDOrderIndependent(t *testing.T) {
	assert.Equal(t, CommunityUUID("global", []string{"a", "b"}), CommunityUUID("global", []string{"b", "a"}))
	assert.NotEqual(t, CommunityUUID("global", []string{"a", "b"}), CommunityUUID("user:x", []string{"a", "b"}))
}

func TestBuildEmpty(t *testing.T) {
	assert.Empty(t, NewBuilder(nil).Build(Snapshot{Namespace: "global"}))
}
