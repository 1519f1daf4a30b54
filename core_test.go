package researchagent_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	researchagent "github.com/6chenhua/research-agent-backend"
	"github.com/6chenhua/research-agent-backend/pkg/driver"
	"github.com/6chenhua/research-agent-backend/pkg/embedder"
	"github.com/6chenhua/research-agent-backend/pkg/ingest"
	"github.com/6chenhua/research-agent-backend/pkg/oracle"
	"github.com/6chenhua/research-agent-backend/pkg/scheduler"
	"github.com/6chenhua/research-agent-backend/pkg/search"
	"github.com/6chenhua/research-agent-backend/pkg/storage"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

const transformerPaper = `# Attention Is All You Need

## Abstract
We propose the Transformer. It is evaluated on WMT 2014.

## Introduction
Recurrent neural networks dominate sequence modeling.

## Method
The Transformer relies entirely on self attention.
`

// paperOracle extracts a fixed set of entities keyed on the section header.
var paperOracle = oracle.Func(func(ctx context.Context, text string, _ *types.SchemaSpec) (*types.Extraction, error) {
	ext := &types.Extraction{
		Entities: []types.CandidateEntity{{Name: "Transformer", Type: "Method", Summary: "attention based sequence model", Confidence: 0.9}},
	}
	if strings.Contains(text, "Section: Abstract") {
		ext.Entities = append(ext.Entities, types.CandidateEntity{Name: "WMT 2014", Type: "Dataset", Confidence: 0.8})
		ext.Relations = append(ext.Relations, types.CandidateRelation{
			Type: "EVALUATES_ON", Source: "Transformer", Target: "WMT 2014", Confidence: 0.8,
		})
	}
	return ext, nil
})

type coreFixture struct {
	core  *researchagent.Core
	store *driver.MemoryStore
}

func newCore(t *testing.T, opts ...researchagent.Option) *coreFixture {
	t.Helper()
	backend, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	store := driver.NewMemoryStore()
	config := researchagent.DefaultConfig()
	config.Ingest.Workers = 2
	config.Scheduler.Workers = 2

	opts = append([]researchagent.Option{
		researchagent.WithSchedulerOptions(scheduler.WithSleep(func(context.Context, time.Duration) error { return nil })),
	}, opts...)
	core, err := researchagent.NewCore(store, paperOracle, embedder.NewHashingEmbedder(64), backend, config, opts...)
	require.NoError(t, err)
	t.Cleanup(core.Close)
	return &coreFixture{core: core, store: store}
}

func (f *coreFixture) ingestPaper(t *testing.T, userID string) *types.IngestReport {
	t.Helper()
	report, err := f.core.IngestForUser(context.Background(), []byte(transformerPaper), userID, false, ingest.SourceMetadata{
		SourceRef: "arxiv:1706.03762",
	})
	require.NoError(t, err)
	return report
}

func (f *coreFixture) nodeNamed(t *testing.T, ns, name string) *types.Node {
	t.Helper()
	nodes, err := f.store.FindNodes(context.Background(), ns, types.NodeFilter{NormalizedName: strings.ToLower(name)})
	require.NoError(t, err)
	require.Len(t, nodes, 1, "expected one node named %q in %s", name, ns)
	return nodes[0]
}

func waitForJob(t *testing.T, core *researchagent.Core, userID, jobID string, status types.JobStatus) *types.IngestionJob {
	t.Helper()
	var job *types.IngestionJob
	require.Eventually(t, func() bool {
		var err error
		job, err = core.GetJobStatus(context.Background(), userID, jobID)
		return err == nil && job.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestCoreIngestIsIdempotent(t *testing.T) {
	f := newCore(t)

	first := f.ingestPaper(t, "u1")
	assert.Equal(t, 3, first.EpisodeCount)
	assert.Equal(t, 3, first.Commits)
	assert.False(t, first.AlreadyIngested)

	second := f.ingestPaper(t, "u1")
	assert.True(t, second.AlreadyIngested)
	assert.Equal(t, 0, second.Commits)
	assert.Equal(t, first.EntityCount, second.DedupedCount)

	stats, err := f.core.GraphStats(context.Background(), "u1", "user:u1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.NodeCount)
	assert.Equal(t, 3, stats.EpisodeCount)
}

func TestCoreSearchIsolatesNamespaces(t *testing.T) {
	ctx := context.Background()
	f := newCore(t)
	f.ingestPaper(t, "u1")

	resp, err := f.core.Search(ctx, search.Request{Query: "Transformer", UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "Transformer", resp.Results[0].Node.Name)
	assert.Equal(t, "user:u1", resp.Results[0].Namespace)
	assert.Equal(t, []string{"user:u1", "global"}, resp.Namespaces)

	resp, err = f.core.Search(ctx, search.Request{Query: "Transformer", UserID: "u2"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.True(t, resp.TriggeredExternal)
	require.NotEmpty(t, resp.JobID)

	// the scheduler is not started, so the escalation job stays queued
	job, err := f.core.GetJobStatus(ctx, "u2", resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobExternalQuery, job.Kind)
	assert.Equal(t, "user:u2", job.Namespace)
	assert.Equal(t, types.JobPending, job.Status)
	assert.Equal(t, "query:transformer", job.SourceRef)

	_, err = f.core.GetJobStatus(ctx, "u1", resp.JobID)
	assert.ErrorIs(t, err, types.ErrJobNotFound)

	jobs, err := f.core.ListJobs(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	assert.Equal(t, int64(2), f.core.SearchStats().TotalRequests)
}

func TestCoreGetNode(t *testing.T) {
	ctx := context.Background()
	f := newCore(t)
	f.ingestPaper(t, "u1")
	transformer := f.nodeNamed(t, "user:u1", "Transformer")

	detail, err := f.core.GetNode(ctx, "u1", transformer.Uuid)
	require.NoError(t, err)
	assert.Equal(t, "Transformer", detail.Node.Name)
	require.Len(t, detail.Neighbors, 1)
	assert.Equal(t, "WMT 2014", detail.Neighbors[0].Node.Name)
	assert.Equal(t, types.EvaluatesOnEdge, detail.Neighbors[0].Edge.Type)
	assert.Len(t, detail.SourceEpisodes, 3)

	_, err = f.core.GetNode(ctx, "u2", transformer.Uuid)
	assert.ErrorIs(t, err, types.ErrNodeNotFound)
	_, err = f.core.GetNode(ctx, "", transformer.Uuid)
	assert.ErrorIs(t, err, types.ErrNodeNotFound)
	_, err = f.core.GetNode(ctx, "bad:id", transformer.Uuid)
	assert.ErrorIs(t, err, types.ErrInvalidIdentifier)

	neighbors, err := f.core.GetNeighbors(ctx, "u1", transformer.Uuid, 2, types.DirectionOutgoing, []types.EdgeType{types.EvaluatesOnEdge})
	require.NoError(t, err)
	assert.Len(t, neighbors, 1)
}

func TestCoreRunsQueuedDocumentJobs(t *testing.T) {
	ctx := context.Background()
	f := newCore(t)
	require.NoError(t, f.core.Start(ctx))

	id, err := f.core.EnqueueIngestionJob(ctx, "u1", false, types.JobRequest{
		SourceRef: "upload:attention.md",
		Kind:      types.JobDocument,
		Title:     "Attention Is All You Need",
		Payload:   []byte(transformerPaper),
	})
	require.NoError(t, err)

	job := waitForJob(t, f.core, "u1", id, types.JobSucceeded)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Empty(t, job.LastError)
	f.nodeNamed(t, "user:u1", "Transformer")

	dup, err := f.core.EnqueueIngestionJob(ctx, "u1", false, types.JobRequest{
		SourceRef: "upload:attention.md",
		Kind:      types.JobDocument,
		Payload:   []byte(transformerPaper),
	})
	assert.ErrorIs(t, err, types.ErrDuplicateJob)
	assert.Equal(t, id, dup)

	_, err = f.core.CancelJob(ctx, "u1", id)
	assert.ErrorIs(t, err, types.ErrJobNotCancellable)
	_, err = f.core.CancelJob(ctx, "u2", id)
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestCoreCancelJob(t *testing.T) {
	ctx := context.Background()
	f := newCore(t)

	id, err := f.core.EnqueueIngestionJob(ctx, "", true, types.JobRequest{SourceRef: "arxiv:2401.00001"})
	require.NoError(t, err)

	job, err := f.core.CancelJob(ctx, "u9", id)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, job.Status)
	assert.Equal(t, types.JobDownload, job.Kind)
	assert.Equal(t, "global", job.Namespace)

	_, err = f.core.EnqueueIngestionJob(ctx, "", false, types.JobRequest{SourceRef: "arxiv:2401.00001"})
	assert.ErrorIs(t, err, types.ErrInvalidIdentifier)
}

func TestCoreAddTriplet(t *testing.T) {
	ctx := context.Background()
	f := newCore(t)

	first, err := f.core.AddTriplet(ctx, "u1", false, researchagent.Triplet{
		Source: &types.Node{Name: "An Image is Worth 16x16 Words", Type: types.PaperNode},
		Target: &types.Node{Name: "Vision Transformer", Type: types.MethodNode, Summary: "transformer over image patches"},
		Type:   types.ProposesEdge,
		Fact:   "The paper proposes ViT.",
	})
	require.NoError(t, err)
	assert.Equal(t, "user:u1", first.Edge.Namespace)
	assert.Equal(t, 1.0, first.Edge.Confidence)
	assert.NotEmpty(t, first.Target.Embedding)

	second, err := f.core.AddTriplet(ctx, "u1", false, researchagent.Triplet{
		Source: &types.Node{Name: "An Image is Worth 16x16 Words", Type: types.PaperNode},
		Target: &types.Node{Name: "vision-transformer ", Type: types.MethodNode},
		Type:   types.ProposesEdge,
	})
	require.NoError(t, err)
	assert.Equal(t, first.Target.Uuid, second.Target.Uuid)
	assert.Equal(t, first.Edge.Uuid, second.Edge.Uuid)

	stats, err := f.core.GraphStats(ctx, "u1", "user:u1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.NodeCount)
	assert.Equal(t, 1, stats.EdgeCount)
	assert.Equal(t, 1, stats.ByType[types.MethodNode])

	path, err := f.core.ShortestPath(ctx, "u1", first.Source.Uuid, first.Target.Uuid, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, path.Hops())

	tests := []struct {
		name    string
		triplet researchagent.Triplet
	}{
		{
			name: "unknown relation",
			triplet: researchagent.Triplet{
				Source: &types.Node{Name: "A", Type: types.PaperNode},
				Target: &types.Node{Name: "B", Type: types.MethodNode},
				Type:   "LIKES",
			},
		},
		{
			name: "endpoint types not allowed",
			triplet: researchagent.Triplet{
				Source: &types.Node{Name: "ImageNet", Type: types.DatasetNode},
				Target: &types.Node{Name: "ViT", Type: types.MethodNode},
				Type:   types.ProposesEdge,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.core.AddTriplet(ctx, "u1", false, tt.triplet)
			assert.ErrorIs(t, err, types.ErrUnknownType)
		})
	}

	_, err = f.core.AddTriplet(ctx, "u1", false, researchagent.Triplet{Type: types.ProposesEdge})
	assert.ErrorIs(t, err, types.ErrInvalidIdentifier)
}

func TestCoreDeleteNode(t *testing.T) {
	ctx := context.Background()
	f := newCore(t)
	res, err := f.core.AddTriplet(ctx, "u1", false, researchagent.Triplet{
		Source: &types.Node{Name: "ResNet", Type: types.MethodNode},
		Target: &types.Node{Name: "ImageNet", Type: types.DatasetNode},
		Type:   types.EvaluatesOnEdge,
	})
	require.NoError(t, err)

	err = f.core.DeleteNode(ctx, "u2", false, res.Target.Uuid)
	assert.ErrorIs(t, err, types.ErrNodeNotFound)

	require.NoError(t, f.core.DeleteNode(ctx, "u1", false, res.Target.Uuid))
	_, err = f.core.GetNode(ctx, "u1", res.Target.Uuid)
	assert.ErrorIs(t, err, types.ErrNodeNotFound)

	stats, err := f.core.GraphStats(ctx, "u1", "user:u1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NodeCount)
	assert.Equal(t, 0, stats.EdgeCount)
}

func TestCoreCommunitiesAndAccess(t *testing.T) {
	ctx := context.Background()
	f := newCore(t)
	f.ingestPaper(t, "u1")

	communities, err := f.core.DetectCommunities(ctx, "u1", "user:u1")
	require.NoError(t, err)
	require.Len(t, communities, 1)
	assert.Len(t, communities[0].MemberNodeUuids, 2)

	stored, err := f.core.GetCommunities(ctx, "u1", "user:u1")
	require.NoError(t, err)
	assert.Equal(t, communities[0].Uuid, stored[0].Uuid)

	_, err = f.core.DetectCommunities(ctx, "u2", "user:u1")
	assert.ErrorIs(t, err, types.ErrAccessDenied)
	_, err = f.core.GraphStats(ctx, "", "user:u1")
	assert.ErrorIs(t, err, types.ErrAccessDenied)
	_, err = f.core.GraphStats(ctx, "u1", "tenant:x")
	assert.ErrorIs(t, err, types.ErrInvalidIdentifier)

	stats, err := f.core.GraphStats(ctx, "", "global")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.NodeCount)

	checkpoints, err := f.core.Checkpoints(ctx, "u1", "user:u1")
	require.NoError(t, err)
	assert.Len(t, checkpoints, 1)

	require.NoError(t, f.core.Ready(ctx))
	require.NoError(t, f.store.Close())
	assert.ErrorIs(t, f.core.Ready(ctx), types.ErrGraphUnavailable)
}

// slowFinds yields inside every lookup, like a network round-trip would.
type slowFinds struct {
	*driver.MemoryStore
}

func (s slowFinds) FindNodes(ctx context.Context, ns string, filter types.NodeFilter) ([]*types.Node, error) {
	time.Sleep(2 * time.Millisecond)
	return s.MemoryStore.FindNodes(ctx, ns, filter)
}

func newSlowCore(t *testing.T) *coreFixture {
	t.Helper()
	backend, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	store := driver.NewMemoryStore()
	core, err := researchagent.NewCore(slowFinds{store}, paperOracle, embedder.NewHashingEmbedder(64), backend, nil)
	require.NoError(t, err)
	t.Cleanup(core.Close)
	return &coreFixture{core: core, store: store}
}

func TestCoreConcurrentWritesShareNodes(t *testing.T) {
	ctx := context.Background()

	t.Run("triplets", func(t *testing.T) {
		f := newSlowCore(t)
		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.core.AddTriplet(ctx, "u1", false, researchagent.Triplet{
					Source: &types.Node{Name: "Vision Transformer", Type: types.MethodNode},
					Target: &types.Node{Name: fmt.Sprintf("Dataset %d", i), Type: types.DatasetNode},
					Type:   types.EvaluatesOnEdge,
				})
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		vit := f.nodeNamed(t, "user:u1", "Vision Transformer")
		neighbors, err := f.core.GetNeighbors(ctx, "u1", vit.Uuid, 1, types.DirectionOutgoing, nil)
		require.NoError(t, err)
		assert.Len(t, neighbors, 8)
	})

	t.Run("triplets racing ingestion", func(t *testing.T) {
		f := newSlowCore(t)
		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.core.IngestForUser(ctx, []byte(transformerPaper), "u1", false, ingest.SourceMetadata{
					SourceRef: fmt.Sprintf("arxiv:%d", i),
				})
			}(i)
			go func(i int) {
				defer wg.Done()
				_, errs[4+i] = f.core.AddTriplet(ctx, "u1", false, researchagent.Triplet{
					Source: &types.Node{Name: "Transformer", Type: types.MethodNode},
					Target: &types.Node{Name: "WMT 2014", Type: types.DatasetNode},
					Type:   types.EvaluatesOnEdge,
				})
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		f.nodeNamed(t, "user:u1", "Transformer")
		f.nodeNamed(t, "user:u1", "WMT 2014")
	})
}

type unavailableCommits struct {
	*driver.MemoryStore
}

func (unavailableCommits) CommitChunk(context.Context, *types.ChunkCommit) error {
	return types.ErrGraphUnavailable
}

func TestCoreAddTripletCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	store := driver.NewMemoryStore()
	core, err := researchagent.NewCore(unavailableCommits{store}, paperOracle, embedder.NewHashingEmbedder(64), backend, nil)
	require.NoError(t, err)
	t.Cleanup(core.Close)

	_, err = core.AddTriplet(ctx, "u1", false, researchagent.Triplet{
		Source: &types.Node{Name: "BERT", Type: types.MethodNode},
		Target: &types.Node{Name: "GLUE", Type: types.DatasetNode},
		Type:   types.EvaluatesOnEdge,
	})
	assert.ErrorIs(t, err, types.ErrGraphUnavailable)

	stats, err := store.Stats(ctx, "user:u1")
	require.NoError(t, err)
	assert.Zero(t, stats.NodeCount)
	assert.Zero(t, stats.EdgeCount)
}

func TestCoreRefreshCommunities(t *testing.T) {
	ctx := context.Background()
	f := newCore(t)
	f.ingestPaper(t, "u1")
	_, err := f.core.IngestForUser(ctx, []byte(transformerPaper), "u2", true, ingest.SourceMetadata{SourceRef: "arxiv:1706.03762"})
	require.NoError(t, err)

	n, err := f.core.RefreshCommunities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, tc := range []struct{ user, ns string }{{"u1", "user:u1"}, {"", "global"}} {
		communities, err := f.core.GetCommunities(ctx, tc.user, tc.ns)
		require.NoError(t, err)
		assert.Len(t, communities, 1, tc.ns)
	}
}

func TestCoreRunCommunityRefresh(t *testing.T) {
	f := newCore(t)
	f.ingestPaper(t, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.core.RunCommunityRefresh(ctx, 10*time.Millisecond)
	}()

	assert.Eventually(t, func() bool {
		communities, err := f.core.GetCommunities(context.Background(), "u1", "user:u1")
		return err == nil && len(communities) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresh loop did not stop")
	}

	// disabled interval returns at once
	f.core.RunCommunityRefresh(context.Background(), 0)
}
