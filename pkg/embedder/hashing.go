package embedder

import (
	"context"
	"hash/fnv"

	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

// HashingEmbedder maps each token to a bucket with FNV-1a and L2-normalizes
// the counts. Texts sharing no tokens are orthogonal; identical token bags
// get identical vectors.
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder creates a hashing embedder with dims buckets.
func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashingEmbedder{dims: dims}
}

// Embed generates embeddings for the given texts.
func (h *HashingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

// EmbedSingle generates an embedding for a single text.
func (h *HashingEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return embedSingle(ctx, h, text)
}

// Dimensions returns the number of buckets.
func (h *HashingEmbedder) Dimensions() int {
	return h.dims
}

// Close is a no-op.
func (h *HashingEmbedder) Close() error {
	return nil
}

func (h *HashingEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dims)
	for _, tok := range utils.Tokenize(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		v[f.Sum32()%uint32(h.dims)]++
	}
	if n := utils.Normalize(v); n != nil {
		return n
	}
	return v
}
