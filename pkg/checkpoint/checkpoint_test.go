package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/6chenhua/research-agent-backend/pkg/storage"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	backend, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return NewManager(backend)
}

func TestLoadMissing(t *testing.T) {
	m := newManager(t)
	cp, err := m.Load(context.Background(), "user:u1", "arxiv:1234")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestInvalidKey(t *testing.T) {
	m := newManager(t)
	_, err := m.Load(context.Background(), "", "arxiv:1")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = m.Load(context.Background(), "global", "bad\x00ref")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestLifecycle(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	cp, existed, err := m.LoadOrCreate(ctx, "user:u1", "arxiv:1234")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, StatusInProgress, cp.Status)
	cp.ChunkCount = 3

	require.NoError(t, m.RecordChunk(ctx, cp, 1, types.IngestReport{EpisodeCount: 1, EntityCount: 2, Commits: 1}))
	require.NoError(t, m.RecordChunk(ctx, cp, 0, types.IngestReport{EpisodeCount: 1, EntityCount: 3, RelationCount: 1, Commits: 1}))

	failure := types.NewStageError(types.StageExtract, types.ErrExtractionFailure)
	require.NoError(t, m.RecordError(ctx, cp, failure))

	loaded, existed, err := m.LoadOrCreate(ctx, "user:u1", "arxiv:1234")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, StatusFailed, loaded.Status)
	assert.Equal(t, []int{0, 1}, loaded.CommittedChunks)
	assert.True(t, loaded.IsCommitted(1))
	assert.False(t, loaded.IsCommitted(2))
	assert.Equal(t, 5, loaded.Report.EntityCount)
	assert.Equal(t, 2, loaded.Report.Commits)
	assert.Equal(t, types.StageExtract, loaded.FailedStage)
	assert.Equal(t, 1, loaded.AttemptCount)
	assert.Contains(t, loaded.Summary(), "2/3 chunks")

	require.NoError(t, m.RecordChunk(ctx, loaded, 2, types.IngestReport{EpisodeCount: 1, Commits: 1}))
	require.NoError(t, m.MarkSucceeded(ctx, loaded))

	done, err := m.Load(ctx, "user:u1", "arxiv:1234")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.Empty(t, done.LastError)
	assert.False(t, done.CanRetry(3))
	assert.Equal(t, 3, done.Report.EpisodeCount)
}

func TestRecordChunkIsIdempotent(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	cp, _, err := m.LoadOrCreate(ctx, "global", "doc-1")
	require.NoError(t, err)

	require.NoError(t, m.RecordChunk(ctx, cp, 0, types.IngestReport{Commits: 1}))
	require.NoError(t, m.RecordChunk(ctx, cp, 0, types.IngestReport{}))
	assert.Equal(t, []int{0}, cp.CommittedChunks)
}

func TestListAndStatistics(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	a, _, err := m.LoadOrCreate(ctx, "user:u1", "a")
	require.NoError(t, err)
	require.NoError(t, m.MarkSucceeded(ctx, a))

	b, _, err := m.LoadOrCreate(ctx, "user:u1", "b")
	require.NoError(t, err)
	require.NoError(t, m.RecordError(ctx, b, types.ErrGraphUnavailable))

	_, _, err = m.LoadOrCreate(ctx, "global", "c")
	require.NoError(t, err)

	user, err := m.List(ctx, "user:u1")
	require.NoError(t, err)
	assert.Len(t, user, 2)

	failed, err := m.FindFailed(ctx, 3)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].SourceRef)

	stats, err := m.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Statistics{Total: 3, Succeeded: 1, InProgress: 1, Failed: 1}, stats)

	require.NoError(t, m.Delete(ctx, "user:u1", "a"))
	gone, err := m.Load(ctx, "user:u1", "a")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
