package researchagent_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	researchagent "github.com/6chenhua/research-agent-backend"
	"github.com/6chenhua/research-agent-backend/pkg/connector"
	"github.com/6chenhua/research-agent-backend/pkg/ingest"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

type ingestCall struct {
	data string
	ns   string
	meta ingest.SourceMetadata
}

type recordingIngester struct {
	mu    sync.Mutex
	calls []ingestCall
	fail  map[string]error
}

func (r *recordingIngester) Ingest(ctx context.Context, data []byte, ns string, meta ingest.SourceMetadata) (*types.IngestReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ingestCall{data: string(data), ns: ns, meta: meta})
	if err := r.fail[meta.SourceRef]; err != nil {
		return nil, err
	}
	return &types.IngestReport{Namespace: ns, SourceRef: meta.SourceRef, EpisodeCount: 1}, nil
}

type fakeConnector struct {
	papers    []connector.ExternalPaper
	searchErr error
	lookups   []string
	downloads []string
	query     string
	max       int
}

func (f *fakeConnector) SearchExternal(ctx context.Context, query string, maxResults int) ([]connector.ExternalPaper, error) {
	f.query, f.max = query, maxResults
	return f.papers, f.searchErr
}

func (f *fakeConnector) Lookup(ctx context.Context, ref string) (*connector.ExternalPaper, error) {
	f.lookups = append(f.lookups, ref)
	for i := range f.papers {
		if f.papers[i].DownloadRef == ref {
			return &f.papers[i], nil
		}
	}
	return nil, connector.ErrNotFound
}

func (f *fakeConnector) DownloadPdf(ctx context.Context, ref string) ([]byte, error) {
	f.downloads = append(f.downloads, ref)
	return []byte("downloaded " + ref), nil
}

var attentionPaper = connector.ExternalPaper{
	ID:          "1706.03762",
	Title:       "Attention Is All You Need",
	Abstract:    "We propose the Transformer.",
	Authors:     []string{"Ashish Vaswani"},
	Categories:  []string{"cs.CL", "cs.LG"},
	DownloadRef: "arxiv:1706.03762",
}

func newJob(kind types.JobKind, ref string) *types.IngestionJob {
	return &types.IngestionJob{JobID: "j1", Namespace: "user:u1", SourceRef: ref, Kind: kind, Title: "Uploaded"}
}

func TestJobRunnerDocument(t *testing.T) {
	ing := &recordingIngester{}
	r := researchagent.NewJobRunner(ing, nil, 0, nil)

	require.NoError(t, r.Run(context.Background(), newJob(types.JobDocument, "upload:a.md"), []byte("# A\n\nbody")))
	require.Len(t, ing.calls, 1)
	assert.Equal(t, "# A\n\nbody", ing.calls[0].data)
	assert.Equal(t, "user:u1", ing.calls[0].ns)
	assert.Equal(t, "upload:a.md", ing.calls[0].meta.SourceRef)
	assert.Equal(t, "Uploaded", ing.calls[0].meta.Title)
}

func TestJobRunnerDownload(t *testing.T) {
	ctx := context.Background()

	t.Run("arxiv ref ingests title and abstract", func(t *testing.T) {
		ing := &recordingIngester{}
		conn := &fakeConnector{papers: []connector.ExternalPaper{attentionPaper}}
		r := researchagent.NewJobRunner(ing, conn, 0, nil)

		require.NoError(t, r.Run(ctx, newJob(types.JobDownload, "arxiv:1706.03762"), nil))
		assert.Equal(t, []string{"arxiv:1706.03762"}, conn.lookups)
		assert.Empty(t, conn.downloads)
		require.Len(t, ing.calls, 1)
		assert.Equal(t, attentionPaper.Text(), ing.calls[0].data)
		assert.Equal(t, "Attention Is All You Need", ing.calls[0].meta.Title)
		assert.Equal(t, "cs.CL,cs.LG", ing.calls[0].meta.Extra["categories"])
	})

	t.Run("url is downloaded", func(t *testing.T) {
		ing := &recordingIngester{}
		conn := &fakeConnector{}
		r := researchagent.NewJobRunner(ing, conn, 0, nil)

		require.NoError(t, r.Run(ctx, newJob(types.JobDownload, "https://example.org/p.txt"), nil))
		assert.Equal(t, []string{"https://example.org/p.txt"}, conn.downloads)
		require.Len(t, ing.calls, 1)
		assert.Equal(t, "downloaded https://example.org/p.txt", ing.calls[0].data)
		assert.Equal(t, "https://example.org/p.txt", ing.calls[0].meta.URL)
	})

	t.Run("unknown arxiv id fails permanently", func(t *testing.T) {
		r := researchagent.NewJobRunner(&recordingIngester{}, &fakeConnector{}, 0, nil)
		err := r.Run(ctx, newJob(types.JobDownload, "arxiv:0000.00000"), nil)
		assert.ErrorIs(t, err, connector.ErrNotFound)
		assert.False(t, types.IsTransient(err))
	})
}

func TestJobRunnerExternalQuery(t *testing.T) {
	ctx := context.Background()
	second := connector.ExternalPaper{ID: "2010.11929", Title: "An Image is Worth 16x16 Words", Abstract: "ViT."}

	t.Run("ingests every hit", func(t *testing.T) {
		ing := &recordingIngester{}
		conn := &fakeConnector{papers: []connector.ExternalPaper{attentionPaper, second}}
		r := researchagent.NewJobRunner(ing, conn, 3, nil)

		require.NoError(t, r.Run(ctx, newJob(types.JobExternalQuery, "query:attention mechanism"), nil))
		assert.Equal(t, "attention mechanism", conn.query)
		assert.Equal(t, 3, conn.max)
		require.Len(t, ing.calls, 2)
		assert.Equal(t, "arxiv:1706.03762", ing.calls[0].meta.SourceRef)
		assert.Equal(t, "arxiv:2010.11929", ing.calls[1].meta.SourceRef)
		assert.Equal(t, "user:u1", ing.calls[1].ns)
		assert.True(t, strings.HasPrefix(ing.calls[1].data, "# An Image is Worth 16x16 Words"))
	})

	t.Run("partial failure succeeds", func(t *testing.T) {
		ing := &recordingIngester{fail: map[string]error{"arxiv:2010.11929": types.ErrParseFailure}}
		conn := &fakeConnector{papers: []connector.ExternalPaper{attentionPaper, second}}
		r := researchagent.NewJobRunner(ing, conn, 0, nil)

		require.NoError(t, r.Run(ctx, newJob(types.JobExternalQuery, "query:vision"), nil))
		assert.Equal(t, researchagent.DefaultExternalResults, conn.max)
	})

	t.Run("all failing returns a retryable error", func(t *testing.T) {
		ing := &recordingIngester{fail: map[string]error{
			"arxiv:1706.03762": types.NewStageError(types.StageCommit, types.ErrCommitConflict),
			"arxiv:2010.11929": types.ErrParseFailure,
		}}
		conn := &fakeConnector{papers: []connector.ExternalPaper{attentionPaper, second}}
		r := researchagent.NewJobRunner(ing, conn, 0, nil)

		err := r.Run(ctx, newJob(types.JobExternalQuery, "query:vision"), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrCommitConflict)
		assert.True(t, types.IsTransient(err))
	})

	t.Run("no hits is a success", func(t *testing.T) {
		ing := &recordingIngester{}
		r := researchagent.NewJobRunner(ing, &fakeConnector{}, 0, nil)
		require.NoError(t, r.Run(ctx, newJob(types.JobExternalQuery, "query:nothing"), nil))
		assert.Empty(t, ing.calls)
	})

	t.Run("search error propagates", func(t *testing.T) {
		boom := errors.New("arxiv down")
		r := researchagent.NewJobRunner(&recordingIngester{}, &fakeConnector{searchErr: boom}, 0, nil)
		assert.ErrorIs(t, r.Run(ctx, newJob(types.JobExternalQuery, "query:x"), nil), boom)
	})

	t.Run("empty query", func(t *testing.T) {
		r := researchagent.NewJobRunner(&recordingIngester{}, &fakeConnector{}, 0, nil)
		assert.ErrorIs(t, r.Run(ctx, newJob(types.JobExternalQuery, "query:  "), nil), types.ErrInvalidIdentifier)
	})
}

func TestJobRunnerRejects(t *testing.T) {
	ctx := context.Background()
	r := researchagent.NewJobRunner(&recordingIngester{}, nil, 0, nil)

	assert.ErrorIs(t, r.Run(ctx, newJob(types.JobDownload, "arxiv:1"), nil), researchagent.ErrNoConnector)
	assert.ErrorIs(t, r.Run(ctx, newJob(types.JobExternalQuery, "query:x"), nil), researchagent.ErrNoConnector)
	assert.ErrorIs(t, r.Run(ctx, newJob("telepathy", "x"), nil), types.ErrParseFailure)
}
