package driver

import (
	"fmt"

	"github.com/6chenhua/research-agent-backend/pkg/types"
	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

// GraphProvider names a store implementation.
type GraphProvider string

const (
	GraphProviderNeo4j  GraphProvider = "neo4j"
	GraphProviderMemory GraphProvider = "memory"
)

const (
	// MaxTraversalHops bounds GetNeighbors.
	MaxTraversalHops = 3
	// MaxPathLength bounds ShortestPath.
	MaxPathLength = 5
	// DefaultSearchLimit is used when a caller passes a non-positive limit.
	DefaultSearchLimit = 10
	// MaxFulltextCandidates bounds how far HybridSearch pages through the
	// shared fulltext index looking for in-namespace hits.
	MaxFulltextCandidates = 10000
)

// HybridWeights blends the two retrieval signals of HybridSearch.
type HybridWeights struct {
	Vector  float64 `json:"vector" mapstructure:"vector"`
	Lexical float64 `json:"lexical" mapstructure:"lexical"`
}

// DefaultHybridWeights weighs both signals equally.
func DefaultHybridWeights() HybridWeights {
	return HybridWeights{Vector: 0.5, Lexical: 0.5}
}

func (w HybridWeights) combine(vector, lexical float64) float64 {
	if vector < 0 {
		vector = 0
	}
	total := w.Vector + w.Lexical
	if total <= 0 {
		return 0
	}
	return (w.Vector*vector + w.Lexical*lexical) / total
}

// lexicalScore is the fraction of distinct query terms present in the text.
func lexicalScore(queryTerms []string, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	present := make(map[string]struct{})
	for _, tok := range utils.Tokenize(text) {
		present[tok] = struct{}{}
	}
	hits := 0
	for _, term := range queryTerms {
		if _, ok := present[term]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

func distinctTerms(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range utils.Tokenize(text) {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// scoredBefore orders by score, then most recently updated, then uuid.
func scoredBefore(a, b types.ScoredNode) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Node.UpdatedAt.Equal(b.Node.UpdatedAt) {
		return a.Node.UpdatedAt.After(b.Node.UpdatedAt)
	}
	return a.Node.Uuid < b.Node.Uuid
}

// topScored keeps the limit best results in scoredBefore order.
func topScored(results []types.ScoredNode, limit int) []types.ScoredNode {
	return utils.TopK(results, limit, scoredBefore)
}

func clampHops(hops int) int {
	if hops <= 0 {
		return 1
	}
	if hops > MaxTraversalHops {
		return MaxTraversalHops
	}
	return hops
}

func clampDepth(depth int) int {
	if depth <= 0 || depth > MaxPathLength {
		return MaxPathLength
	}
	return depth
}

func validateCommit(commit *types.ChunkCommit) error {
	if commit == nil {
		return fmt.Errorf("chunk commit is nil")
	}
	if commit.Namespace == "" {
		return types.ErrEmptyNamespace
	}
	if commit.Episode == nil && len(commit.Nodes) == 0 && len(commit.Edges) == 0 {
		return fmt.Errorf("chunk commit is empty")
	}
	if commit.Episode != nil {
		if commit.Episode.Namespace != commit.Namespace {
			return fmt.Errorf("%w: episode namespace %q differs from commit namespace %q", types.ErrCommitConflict, commit.Episode.Namespace, commit.Namespace)
		}
		if err := commit.Episode.Validate(); err != nil {
			return fmt.Errorf("invalid episode: %w", err)
		}
	}
	for _, n := range commit.Nodes {
		if err := n.Validate(); err != nil {
			return fmt.Errorf("invalid node %q: %w", n.Name, err)
		}
		if n.Namespace != commit.Namespace {
			return fmt.Errorf("%w: node %s is in namespace %q", types.ErrCommitConflict, n.Uuid, n.Namespace)
		}
	}
	for _, e := range commit.Edges {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("invalid edge %s: %w", e.Uuid, err)
		}
		if e.Namespace != commit.Namespace {
			return fmt.Errorf("%w: edge %s is in namespace %q", types.ErrCommitConflict, e.Uuid, e.Namespace)
		}
	}
	return nil
}

func containsEdgeType(filter []types.EdgeType, t types.EdgeType) bool {
	if len(filter) == 0 {
		return t != types.MentionsEdge
	}
	for _, f := range filter {
		if f == t {
			return true
		}
	}
	return false
}
