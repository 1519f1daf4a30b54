package embedder_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/6chenhua/research-agent-backend/pkg/embedder"
	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

func TestNewOpenAIEmbedder(t *testing.T) {
	tests := []struct {
		name     string
		config   embedder.Config
		wantDims int
	}{
		{name: "defaults", config: embedder.Config{}, wantDims: embedder.DefaultDimensions},
		{name: "custom dimensions", config: embedder.Config{Model: "text-embedding-3-large", Dimensions: 256}, wantDims: 256},
		{name: "custom base URL", config: embedder.Config{BaseURL: "https://api.example.com/v1/"}, wantDims: embedder.DefaultDimensions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := embedder.NewOpenAIEmbedder("test-api-key", tt.config)
			require.NotNil(t, client)
			assert.Equal(t, tt.wantDims, client.Dimensions())
		})
	}
}

func TestEmbedderInterface(t *testing.T) {
	var _ embedder.Client = (*embedder.OpenAIEmbedder)(nil)
	var _ embedder.Client = (*embedder.HashingEmbedder)(nil)
}

func TestOpenAIEmbedderBatches(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		calls++

		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]any, 0, len(req.Input))
		// answer out of order to exercise index handling
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(len(req.Input[i])), 1},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "test",
			"data":   data,
		})
	}))
	defer srv.Close()

	client := embedder.NewOpenAIEmbedder("key", embedder.Config{BaseURL: srv.URL, BatchSize: 2, Dimensions: 2})
	vectors, err := client.Embed(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, 2, calls)
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(2), vectors[1][0])
	assert.Equal(t, float32(3), vectors[2][0])
}

func TestOpenAIEmbedderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	client := embedder.NewOpenAIEmbedder("key", embedder.Config{BaseURL: srv.URL})
	_, err := client.EmbedSingle(context.Background(), "x")
	assert.Error(t, err)
}

func TestHashingEmbedder(t *testing.T) {
	e := embedder.NewHashingEmbedder(128)
	ctx := context.Background()

	vectors, err := e.Embed(ctx, []string{"Vision Transformer", "vision-transformer", "graph neural network"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Len(t, vectors[0], 128)

	assert.InDelta(t, 1.0, utils.CosineSimilarity(vectors[0], vectors[1]), 1e-6)
	assert.Less(t, utils.CosineSimilarity(vectors[0], vectors[2]), 0.5)

	again, err := e.EmbedSingle(ctx, "Vision Transformer")
	require.NoError(t, err)
	assert.Equal(t, vectors[0], again)

	empty, err := e.EmbedSingle(ctx, "")
	require.NoError(t, err)
	assert.Len(t, empty, 128)
}
