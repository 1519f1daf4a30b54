package dto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

func TestSearchRequestValidate(t *testing.T) {
	req := SearchRequest{Query: "attention", RerankMode: "MMR", Limit: 5}
	out, err := req.Validate("u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", out.UserID)
	assert.Equal(t, types.RerankMMR, out.RerankMode)
	assert.Equal(t, 5, out.Limit)

	out, err = (&SearchRequest{Query: "x"}).Validate("")
	require.NoError(t, err)
	assert.Equal(t, types.RerankRRF, out.RerankMode)

	_, err = (&SearchRequest{Query: "   "}).Validate("u1")
	assert.ErrorIs(t, err, ErrEmptyQuery)
	_, err = (&SearchRequest{Query: strings.Repeat("a", MaxQueryLength+1)}).Validate("u1")
	assert.ErrorIs(t, err, ErrQueryTooLong)
	_, err = (&SearchRequest{Query: "x", Limit: -1}).Validate("u1")
	assert.ErrorIs(t, err, types.ErrInvalidLimit)
}

func TestEnqueueJobRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     EnqueueJobRequest
		kind    types.JobKind
		wantErr bool
	}{
		{name: "arxiv ref", req: EnqueueJobRequest{SourceRef: "arxiv:1706.03762"}, kind: types.JobDownload},
		{name: "query ref", req: EnqueueJobRequest{SourceRef: "query:graph neural networks"}, kind: types.JobExternalQuery},
		{name: "inline content", req: EnqueueJobRequest{Content: "# Notes"}, kind: types.JobDocument},
		{name: "explicit kind", req: EnqueueJobRequest{SourceRef: "notes.md", Kind: "Document", Content: "x"}, kind: types.JobDocument},
		{name: "nothing", req: EnqueueJobRequest{}, wantErr: true},
		{name: "unknown kind", req: EnqueueJobRequest{SourceRef: "x", Kind: "fax"}, wantErr: true},
		{name: "document without content", req: EnqueueJobRequest{SourceRef: "x", Kind: "document"}, wantErr: true},
		{name: "download without ref", req: EnqueueJobRequest{Content: "x", Kind: "download"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, out.Kind)
			assert.NotEmpty(t, out.SourceRef)
			if tt.kind == types.JobDocument {
				assert.Equal(t, tt.req.Content, string(out.Payload))
			} else {
				assert.Nil(t, out.Payload)
			}
		})
	}
}

func TestContentRef(t *testing.T) {
	a := ContentRef([]byte("same bytes"))
	assert.True(t, strings.HasPrefix(a, UploadRefPrefix))
	assert.Equal(t, a, ContentRef([]byte("same bytes")))
	assert.NotEqual(t, a, ContentRef([]byte("other bytes")))
}

func TestTripletRequestValidate(t *testing.T) {
	req := TripletRequest{
		Source:   TripletNode{Name: "BERT", Type: "method"},
		Relation: "evaluates on",
		Target:   TripletNode{Name: "GLUE", Type: "Dataset"},
	}
	triplet, err := req.Validate()
	require.NoError(t, err)
	assert.Equal(t, types.NodeType("Method"), triplet.Source.Type)
	assert.Equal(t, types.EdgeType("EVALUATES_ON"), triplet.Type)

	bad := req
	bad.Relation = "LOVES"
	_, err = bad.Validate()
	assert.ErrorIs(t, err, types.ErrUnknownType)

	bad = req
	bad.Target.Type = "Planet"
	_, err = bad.Validate()
	assert.ErrorIs(t, err, types.ErrUnknownType)

	bad = req
	bad.Source.Name = " "
	_, err = bad.Validate()
	assert.ErrorIs(t, err, types.ErrEmptyName)

	bad = req
	bad.Confidence = 1.5
	_, err = bad.Validate()
	assert.Error(t, err)
}
