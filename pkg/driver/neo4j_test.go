package driver

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestNeo4jStoreConformance runs against a live server when NEO4J_URI is set.
func TestNeo4jStoreConformance(t *testing.T) {
	uri := os.Getenv("NEO4J_URI")
	if uri == "" {
		t.Skip("NEO4J_URI not set, skipping Neo4j integration test")
	}

	store, err := NewNeo4jStore(Neo4jConfig{
		URI:                 uri,
		Username:            envOr("NEO4J_USER", "neo4j"),
		Password:            envOr("NEO4J_PASSWORD", "password"),
		Database:            os.Getenv("NEO4J_DATABASE"),
		EmbeddingDimensions: 3,
	}, nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skipf("Neo4j not reachable at %s: %v", uri, err)
	}
	require.NoError(t, store.EnsureSchema(ctx))

	runConformance(t, store, "t"+uuid.NewString()[:8]+"-")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
