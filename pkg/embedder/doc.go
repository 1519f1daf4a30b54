// Package embedder provides text embedding clients for vector representations.
//
// Two implementations are provided:
//   - OpenAIEmbedder: any OpenAI-compatible /embeddings endpoint
//   - HashingEmbedder: a deterministic bag-of-words feature hasher that needs
//     no network, used for offline runs and tests
//
// # Usage
//
//	e := embedder.NewOpenAIEmbedder(apiKey, embedder.Config{
//	    Model:     "text-embedding-3-small",
//	    BatchSize: 100,
//	})
//	vectors, err := e.Embed(ctx, []string{"vision transformer"})
package embedder
