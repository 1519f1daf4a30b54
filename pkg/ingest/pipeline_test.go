package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/6chenhua/research-agent-backend/pkg/checkpoint"
	"github.com/6chenhua/research-agent-backend/pkg/driver"
	"github.com/6chenhua/research-agent-backend/pkg/embedder"
	"github.com/6chenhua/research-agent-backend/pkg/oracle"
	"github.com/6chenhua/research-agent-backend/pkg/storage"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

const paperDoc = `# Attention Is All You Need

## Abstract
We propose the Transformer. It is evaluated on WMT 2014.

## Introduction
Recurrent neural networks dominate sequence modeling.

## Method
The Transformer relies entirely on self attention.
`

// scriptedOracle answers by looking at the section named in the episode header.
func scriptedOracle(calls *atomic.Int32) oracle.Func {
	return func(ctx context.Context, text string, _ *types.SchemaSpec) (*types.Extraction, error) {
		calls.Add(1)
		ext := &types.Extraction{
			Entities: []types.CandidateEntity{
				{Name: "Transformer", Type: "Method", Confidence: 0.9},
				{Name: "noise", Type: "Concept", Confidence: 0.1},
			},
		}
		switch {
		case strings.Contains(text, "Section: Abstract"):
			ext.Entities = append(ext.Entities, types.CandidateEntity{Name: "WMT 2014", Type: "Dataset", Confidence: 0.8})
			ext.Relations = append(ext.Relations, types.CandidateRelation{
				Type: "EVALUATES_ON", Source: "Transformer", Target: "WMT 2014", Fact: "It is evaluated on WMT 2014.", Confidence: 0.8,
			})
		case strings.Contains(text, "Section: Introduction"):
			ext.Entities = append(ext.Entities, types.CandidateEntity{Name: "Recurrent Neural Network", Type: "Method", Confidence: 0.7})
		}
		return ext, nil
	}
}

type fixture struct {
	store       *driver.MemoryStore
	checkpoints *checkpoint.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return &fixture{store: driver.NewMemoryStore(), checkpoints: checkpoint.NewManager(backend)}
}

func (f *fixture) pipeline(t *testing.T, o oracle.Oracle, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithEmbedder(embedder.NewHashingEmbedder(64))}, opts...)
	p, err := NewPipeline(f.store, o, f.checkpoints, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Release)
	return p
}

func TestIngestThreeSectionPaper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	p := f.pipeline(t, scriptedOracle(&calls))

	meta := SourceMetadata{SourceRef: "arxiv:1234"}
	report, err := p.Ingest(ctx, []byte(paperDoc), "user:u1", meta)
	require.NoError(t, err)

	assert.Equal(t, 3, report.EpisodeCount)
	assert.Equal(t, 3, report.Commits)
	assert.Equal(t, 5, report.EntityCount)
	assert.Equal(t, 2, report.DedupedCount)
	assert.Equal(t, 1, report.RelationCount)
	assert.False(t, report.AlreadyIngested)
	assert.Len(t, report.Warnings, 3)
	assert.Equal(t, int32(3), calls.Load())

	stats, err := f.store.Stats(ctx, "user:u1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.EpisodeCount)
	assert.Equal(t, 3, stats.NodeCount)
	assert.Equal(t, 1, stats.EdgeCount)

	for i := 0; i < 3; i++ {
		ep, err := f.store.GetEpisode(ctx, "user:u1", EpisodeUUID("user:u1", "arxiv:1234", i))
		require.NoError(t, err)
		assert.Equal(t, "arxiv:1234", ep.SourceRef)
		assert.True(t, strings.HasPrefix(ep.Content, "[Research Paper Context]\n"))
		assert.Contains(t, ep.Content, "Paper: Attention Is All You Need\n")
	}

	nodes, err := f.store.FindNodes(ctx, "user:u1", types.NodeFilter{})
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	for _, n := range nodes {
		episodes, err := f.store.SourceEpisodes(ctx, "user:u1", n.Uuid, 10)
		require.NoError(t, err)
		assert.NotEmpty(t, episodes, "node %s must have MENTIONS provenance", n.Name)
		assert.NotEmpty(t, n.Embedding)
		if n.Name == "Transformer" {
			assert.Len(t, episodes, 3)
		}
	}

	// re-ingest is a no-op
	again, err := p.Ingest(ctx, []byte(paperDoc), "user:u1", meta)
	require.NoError(t, err)
	assert.True(t, again.AlreadyIngested)
	assert.Equal(t, report.EntityCount, again.DedupedCount)
	assert.Equal(t, 0, again.Commits)
	assert.Equal(t, int32(3), calls.Load())

	after, err := f.store.Stats(ctx, "user:u1")
	require.NoError(t, err)
	assert.Equal(t, stats.NodeCount, after.NodeCount)
	assert.Equal(t, stats.EpisodeCount, after.EpisodeCount)
}

func TestIngestDedupAcrossSpellings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	name := "Vision Transformer"
	o := oracle.Func(func(ctx context.Context, text string, _ *types.SchemaSpec) (*types.Extraction, error) {
		return &types.Extraction{Entities: []types.CandidateEntity{{Name: name, Type: "Method", Confidence: 0.9}}}, nil
	})
	p := f.pipeline(t, o)

	_, err := p.Ingest(ctx, []byte("ViT splits images into patches."), "user:u1", SourceMetadata{SourceRef: "doc-1"})
	require.NoError(t, err)

	name = "vision-transformer "
	report, err := p.Ingest(ctx, []byte("A second paper uses it."), "user:u1", SourceMetadata{SourceRef: "doc-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.DedupedCount)

	methods, err := f.store.FindNodes(ctx, "user:u1", types.NodeFilter{Types: []types.NodeType{types.MethodNode}})
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.Equal(t, "Vision Transformer", methods[0].Name)

	episodes, err := f.store.SourceEpisodes(ctx, "user:u1", methods[0].Uuid, 10)
	require.NoError(t, err)
	assert.Len(t, episodes, 2)
}

type fixedResolver float64

func (r fixedResolver) Similarity(context.Context, *types.Node, *types.Node) (float64, error) {
	return float64(r), nil
}

func TestIngestFuzzyDedupThreshold(t *testing.T) {
	tests := []struct {
		name      string
		score     float64
		wantNodes int
	}{
		{"above threshold merges", 0.9, 1},
		{"at threshold merges", DefaultDedupThreshold, 1},
		{"below threshold keeps both", 0.5, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			name := "Vision Transformer"
			o := oracle.Func(func(ctx context.Context, _ string, _ *types.SchemaSpec) (*types.Extraction, error) {
				return &types.Extraction{Entities: []types.CandidateEntity{{Name: name, Type: "Method", Confidence: 0.9}}}, nil
			})
			p := f.pipeline(t, o, WithResolver(fixedResolver(tt.score)))

			_, err := p.Ingest(ctx, []byte("First."), "global", SourceMetadata{SourceRef: "a"})
			require.NoError(t, err)
			name = "ViT"
			_, err = p.Ingest(ctx, []byte("Second."), "global", SourceMetadata{SourceRef: "b"})
			require.NoError(t, err)

			methods, err := f.store.FindNodes(ctx, "global", types.NodeFilter{Types: []types.NodeType{types.MethodNode}})
			require.NoError(t, err)
			assert.Len(t, methods, tt.wantNodes)
		})
	}
}

func TestIngestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	p := f.pipeline(t, scriptedOracle(&calls))

	meta := SourceMetadata{SourceRef: "arxiv:1234"}
	_, err := p.Ingest(ctx, []byte(paperDoc), "user:a", meta)
	require.NoError(t, err)
	report, err := p.Ingest(ctx, []byte(paperDoc), "user:b", meta)
	require.NoError(t, err)
	assert.False(t, report.AlreadyIngested)
	assert.Equal(t, 2, report.DedupedCount, "only in-document repeats dedupe")

	a, err := f.store.FindNodes(ctx, "user:a", types.NodeFilter{})
	require.NoError(t, err)
	b, err := f.store.FindNodes(ctx, "user:b", types.NodeFilter{})
	require.NoError(t, err)
	require.Len(t, a, 3)
	require.Len(t, b, 3)
	for i := range a {
		assert.NotEqual(t, a[i].Uuid, b[i].Uuid)
	}
}

func TestIngestResumesAfterExtractionFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	good := scriptedOracle(&calls)

	failing := oracle.Func(func(ctx context.Context, text string, schema *types.SchemaSpec) (*types.Extraction, error) {
		if strings.Contains(text, "Section: Introduction") {
			return nil, errors.New("provider exploded")
		}
		return good(ctx, text, schema)
	})

	meta := SourceMetadata{SourceRef: "arxiv:1234"}
	_, err := f.pipeline(t, failing).Ingest(ctx, []byte(paperDoc), "user:u1", meta)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrExtractionFailure)
	assert.Equal(t, types.StageExtract, types.StageOf(err))

	cp, err := f.checkpoints.Load(ctx, "user:u1", "arxiv:1234")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, []int{0, 2}, cp.CommittedChunks)
	assert.Equal(t, 1, cp.AttemptCount)
	assert.Equal(t, types.StageExtract, cp.FailedStage)

	calls.Store(0)
	report, err := f.pipeline(t, good).Ingest(ctx, []byte(paperDoc), "user:u1", meta)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "only the missing chunk is extracted again")
	assert.Equal(t, 3, report.EpisodeCount)
	assert.Equal(t, 3, report.Commits)

	stats, err := f.store.Stats(ctx, "user:u1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.NodeCount)
	assert.Equal(t, 3, stats.EpisodeCount)
}

func TestIngestValidationFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline(t, oracle.Nop{})

	_, err := p.Ingest(ctx, []byte("text."), "tenant:x", SourceMetadata{SourceRef: "r"})
	assert.ErrorIs(t, err, types.ErrInvalidIdentifier)

	_, err = p.Ingest(ctx, []byte("text."), "global", SourceMetadata{})
	assert.ErrorIs(t, err, types.ErrInvalidIdentifier)

	_, err = p.Ingest(ctx, []byte("   "), "global", SourceMetadata{SourceRef: "empty"})
	assert.ErrorIs(t, err, types.ErrParseFailure)
	assert.Equal(t, types.StageSplit, types.StageOf(err))
	assert.False(t, types.IsTransient(err))
}

type failingCommits struct {
	*driver.MemoryStore
	err error
}

func (f failingCommits) CommitChunk(context.Context, *types.ChunkCommit) error {
	return f.err
}

func TestIngestCommitFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unclassified becomes conflict", errors.New("deadlock detected"), types.ErrCommitConflict},
		{"unavailable kept", types.ErrGraphUnavailable, types.ErrGraphUnavailable},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := failingCommits{MemoryStore: f.store, err: tt.err}
			p, err := NewPipeline(store, scriptedOracle(&calls), f.checkpoints)
			require.NoError(t, err)
			defer p.Release()

			_, err = p.Ingest(ctx, []byte(paperDoc), "global", SourceMetadata{SourceRef: string(rune('a' + i))})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, types.StageCommit, types.StageOf(err))
			assert.True(t, types.IsTransient(err))
		})
	}
}

func TestIngestEmptyExtractionStillRecordsEpisodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline(t, oracle.Nop{})

	report, err := p.Ingest(ctx, []byte(paperDoc), "global", SourceMetadata{SourceRef: "nop", Title: "Given Title"})
	require.NoError(t, err)
	assert.Equal(t, 3, report.EpisodeCount)
	assert.Zero(t, report.EntityCount)

	ep, err := f.store.GetEpisode(ctx, "global", EpisodeUUID("global", "nop", 0))
	require.NoError(t, err)
	assert.Equal(t, "Given Title_section_1", ep.Name)
}

// slowFinds yields inside every lookup, like a network round-trip would.
type slowFinds struct {
	*driver.MemoryStore
}

func (s slowFinds) FindNodes(ctx context.Context, ns string, filter types.NodeFilter) ([]*types.Node, error) {
	time.Sleep(2 * time.Millisecond)
	return s.MemoryStore.FindNodes(ctx, ns, filter)
}

func TestIngestConcurrentSourcesShareNodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32

	p, err := NewPipeline(slowFinds{f.store}, scriptedOracle(&calls), f.checkpoints,
		WithEmbedder(embedder.NewHashingEmbedder(64)))
	require.NoError(t, err)
	t.Cleanup(p.Release)

	const sources = 6
	var wg sync.WaitGroup
	errs := make([]error, sources)
	for i := 0; i < sources; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Ingest(ctx, []byte(paperDoc), "user:u1", SourceMetadata{SourceRef: fmt.Sprintf("arxiv:%d", i)})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	for _, name := range []string{"transformer", "wmt 2014", "recurrent neural network"} {
		nodes, err := f.store.FindNodes(ctx, "user:u1", types.NodeFilter{NormalizedName: name})
		require.NoError(t, err)
		assert.Len(t, nodes, 1, name)
	}

	stats, err := f.store.Stats(ctx, "user:u1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.NodeCount)
	assert.Equal(t, sources*3, stats.EpisodeCount)
}
