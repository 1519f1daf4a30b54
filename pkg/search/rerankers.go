package search

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/6chenhua/research-agent-backend/pkg/types"
	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

const (
	// DefaultRankConstant is the k in 1/(k + rank).
	DefaultRankConstant = 60
	// DefaultMMRLambda weighs relevance against diversity.
	DefaultMMRLambda = 0.7
	// DefaultFocalMaxDepth bounds the hop distance FOCAL considers.
	DefaultFocalMaxDepth = 3
)

// Result is one fused search hit.
type Result struct {
	Node      *types.Node `json:"node"`
	Namespace string      `json:"namespace"`
	// Score is the final ranking score after reranking.
	Score float64 `json:"score"`
	// FusedScore is the reciprocal rank fusion score.
	FusedScore float64 `json:"fused_score"`
	// Relevance is the best hybrid score the node got in any namespace.
	Relevance float64 `json:"relevance"`
	// Hops is the distance from the focal node, or -1 when not computed.
	Hops int `json:"hops"`
}

// RankedList is one namespace's hybrid search output.
type RankedList struct {
	Namespace string
	Hits      []types.ScoredNode
}

// RRF fuses ranked lists: score = sum over lists of 1/(k + rank), rank
// starting at 1. A node appearing twice in one list only counts its best
// rank. Ties go to the most recently updated node, then to the lower uuid.
func RRF(lists []RankedList, rankConstant int) []Result {
	if rankConstant <= 0 {
		rankConstant = DefaultRankConstant
	}

	byUUID := make(map[string]*Result)
	var order []string
	for _, list := range lists {
		seen := make(map[string]bool, len(list.Hits))
		for i, hit := range list.Hits {
			if hit.Node == nil || seen[hit.Node.Uuid] {
				continue
			}
			seen[hit.Node.Uuid] = true

			contribution := 1.0 / float64(rankConstant+i+1)
			r, ok := byUUID[hit.Node.Uuid]
			if !ok {
				r = &Result{Node: hit.Node, Namespace: list.Namespace, Hops: -1}
				byUUID[hit.Node.Uuid] = r
				order = append(order, hit.Node.Uuid)
			}
			r.FusedScore += contribution
			if hit.Score > r.Relevance {
				r.Relevance = hit.Score
			}
			if hit.Node.UpdatedAt.After(r.Node.UpdatedAt) {
				r.Node = hit.Node
			}
		}
	}

	results := make([]Result, 0, len(order))
	for _, id := range order {
		r := byUUID[id]
		r.Score = r.FusedScore
		results = append(results, *r)
	}
	sortResults(results)
	return results
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Node.UpdatedAt.Equal(b.Node.UpdatedAt) {
			return a.Node.UpdatedAt.After(b.Node.UpdatedAt)
		}
		return a.Node.Uuid < b.Node.Uuid
	})
}

// normalizedRelevance scales fused scores into [0, 1] by the best score.
func normalizedRelevance(results []Result) []float64 {
	out := make([]float64, len(results))
	maxScore := 0.0
	for _, r := range results {
		if r.FusedScore > maxScore {
			maxScore = r.FusedScore
		}
	}
	if maxScore == 0 {
		return out
	}
	for i, r := range results {
		out[i] = r.FusedScore / maxScore
	}
	return out
}

// MaximalMarginalRelevance greedily picks argmax[λ·rel − (1−λ)·max_sim]
// where rel is the normalized fused score and max_sim the highest cosine
// similarity to an already selected node. Nodes without embeddings are
// treated as dissimilar to everything. The input order breaks ties, so the
// output is deterministic for a fixed input.
func MaximalMarginalRelevance(results []Result, lambda float64) []Result {
	if lambda <= 0 || lambda > 1 {
		lambda = DefaultMMRLambda
	}
	n := len(results)
	if n == 0 {
		return results
	}

	rel := normalizedRelevance(results)
	vectors := make([][]float32, n)
	for i, r := range results {
		if len(r.Node.Embedding) > 0 {
			vectors[i] = utils.Normalize(r.Node.Embedding)
		}
	}

	// maxSim[i] is the highest similarity of candidate i to the selection
	maxSim := make([]float64, n)
	selected := make([]bool, n)
	out := make([]Result, 0, n)

	for len(out) < n {
		best := -1
		bestScore := 0.0
		for i := 0; i < n; i++ {
			if selected[i] {
				continue
			}
			score := lambda*rel[i] - (1-lambda)*maxSim[i]
			if best < 0 || score > bestScore {
				best, bestScore = i, score
			}
		}

		selected[best] = true
		picked := results[best]
		picked.Score = bestScore
		out = append(out, picked)

		if vectors[best] == nil {
			continue
		}
		for i := 0; i < n; i++ {
			if selected[i] || vectors[i] == nil {
				continue
			}
			if sim := utils.CosineSimilarity(vectors[best], vectors[i]); sim > maxSim[i] {
				maxSim[i] = sim
			}
		}
	}
	return out
}

// PathFinder is the part of the graph store FOCAL needs.
type PathFinder interface {
	ShortestPath(ctx context.Context, namespace, source, target string, maxDepth int) (*types.Path, error)
}

// FocalRerank scales each result's normalized relevance by 1/(1+hops) from
// the focal node. Results farther than maxDepth hops, or in a namespace
// without a path to the focal node, are dropped. The focal node itself has
// zero hops.
func FocalRerank(ctx context.Context, paths PathFinder, results []Result, focalUUID string, maxDepth int, logger *slog.Logger) ([]Result, error) {
	if focalUUID == "" || len(results) == 0 {
		return results, nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultFocalMaxDepth
	}
	if logger == nil {
		logger = slog.Default()
	}

	rel := normalizedRelevance(results)
	hops := make([]int, len(results))

	var mu sync.Mutex
	var lookupErrs int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range results {
		if results[i].Node.Uuid == focalUUID {
			hops[i] = 0
			continue
		}
		g.Go(func() error {
			path, err := paths.ShortestPath(gctx, results[i].Namespace, focalUUID, results[i].Node.Uuid, maxDepth)
			switch {
			case err == nil:
				hops[i] = path.Hops()
			case errors.Is(err, types.ErrPathNotFound), errors.Is(err, types.ErrNodeNotFound):
				hops[i] = -1
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				logger.Warn("focal distance lookup failed",
					"namespace", results[i].Namespace,
					"node_uuid", results[i].Node.Uuid,
					"error", err)
				mu.Lock()
				lookupErrs++
				mu.Unlock()
				hops[i] = -1
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(results))
	for i, r := range results {
		if hops[i] < 0 || hops[i] > maxDepth {
			continue
		}
		r.Hops = hops[i]
		r.Score = rel[i] / float64(1+hops[i])
		out = append(out, r)
	}
	sortResults(out)
	if lookupErrs > 0 {
		logger.Debug("focal rerank dropped unreachable candidates", "lookup_errors", lookupErrs)
	}
	return out, nil
}
