package driver

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

func TestMemoryStoreConformance(t *testing.T) {
	runConformance(t, NewMemoryStore(), "")
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Ping(context.Background()), types.ErrGraphUnavailable)
	_, err := store.HybridSearch(context.Background(), "global", types.HybridQuery{Text: "x"}, 5)
	assert.ErrorIs(t, err, types.ErrGraphUnavailable)
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.GetByUUID(ctx, "global", "n1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStoreEpisodesAreImmutable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ep := &types.Episode{Uuid: "e1", Namespace: "global", Content: "first"}
	require.NoError(t, store.UpsertEpisode(ctx, ep))
	require.NoError(t, store.UpsertEpisode(ctx, &types.Episode{Uuid: "e1", Namespace: "global", Content: "second"}))

	got, err := store.GetEpisode(ctx, "global", "e1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Content)
}

func TestMemoryStoreMentionsRequireEpisode(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertNode(ctx, &types.Node{Uuid: "n1", Type: types.MethodNode, Namespace: "global", Name: "BERT"}))
	require.NoError(t, store.UpsertNode(ctx, &types.Node{Uuid: "n2", Type: types.PaperNode, Namespace: "global", Name: "BERT paper"}))

	err := store.UpsertEdge(ctx, &types.Edge{Uuid: "m1", Type: types.MentionsEdge, SourceUuid: "n2", TargetUuid: "n1", Namespace: "global"})
	assert.ErrorIs(t, err, types.ErrNodeNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertNode(ctx, &types.Node{Uuid: "n1", Type: types.MethodNode, Namespace: "global", Name: "BERT"}))

	got, err := store.GetByUUID(ctx, "global", "n1")
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := store.GetByUUID(ctx, "global", "n1")
	require.NoError(t, err)
	assert.Equal(t, "BERT", again.Name)
}

func TestMemoryStoreConcurrentCommits(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			commit := &types.ChunkCommit{
				Namespace: "global",
				Episode:   &types.Episode{Uuid: "ep-" + id, Namespace: "global", Content: "chunk"},
				Nodes: []*types.Node{
					{Uuid: "shared", Type: types.ConceptNode, Namespace: "global", Name: "Attention"},
					{Uuid: "n-" + id, Type: types.MethodNode, Namespace: "global", Name: "Method " + id},
				},
				Edges: []*types.Edge{
					{Uuid: "m-" + id, Type: types.MentionsEdge, SourceUuid: "ep-" + id, TargetUuid: "shared", Namespace: "global"},
				},
			}
			assert.NoError(t, store.CommitChunk(ctx, commit))
		}(i)
	}
	wg.Wait()

	stats, err := store.Stats(ctx, "global")
	require.NoError(t, err)
	assert.Equal(t, 21, stats.NodeCount)
	assert.Equal(t, 20, stats.EpisodeCount)
	assert.Equal(t, 0, stats.EdgeCount)
}
