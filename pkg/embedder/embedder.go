package embedder

import (
	"context"
	"fmt"
)

// Client turns text into vectors.
type Client interface {
	// Embed generates one embedding per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedSingle generates an embedding for a single text.
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the number of dimensions in the embeddings.
	Dimensions() int
	// Close cleans up any resources.
	Close() error
}

// Config holds embedder settings.
type Config struct {
	Model      string `json:"model" mapstructure:"model"`
	BaseURL    string `json:"base_url,omitempty" mapstructure:"base_url"`
	Dimensions int    `json:"dimensions,omitempty" mapstructure:"dimensions"`
	BatchSize  int    `json:"batch_size,omitempty" mapstructure:"batch_size"`
}

const (
	DefaultModel      = "text-embedding-3-small"
	DefaultDimensions = 1536
	DefaultBatchSize  = 100
)

func embedSingle(ctx context.Context, c Client, text string) ([]float32, error) {
	embeddings, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return embeddings[0], nil
}
