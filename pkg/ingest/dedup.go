package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/6chenhua/research-agent-backend/pkg/embedder"
	"github.com/6chenhua/research-agent-backend/pkg/types"
	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

// DefaultDedupThreshold is the resolver score at which two same-typed
// entities are considered the same.
const DefaultDedupThreshold = 0.88

// EntityResolver scores how likely candidate and existing name the same entity.
type EntityResolver interface {
	Similarity(ctx context.Context, candidate, existing *types.Node) (float64, error)
}

// EmbeddingResolver scores by cosine similarity of node embeddings.
type EmbeddingResolver struct{}

// Similarity returns 0 when either side has no embedding.
func (EmbeddingResolver) Similarity(_ context.Context, candidate, existing *types.Node) (float64, error) {
	if len(candidate.Embedding) == 0 || len(existing.Embedding) == 0 {
		return 0, nil
	}
	return utils.CosineSimilarity(candidate.Embedding, existing.Embedding), nil
}

// NodeFinder is the read side of the graph store used for dedup.
type NodeFinder interface {
	FindNodes(ctx context.Context, namespace string, filter types.NodeFilter) ([]*types.Node, error)
}

// resolution is the outcome of dedup for one chunk.
type resolution struct {
	nodes   []*types.Node
	byKey   map[string]string
	deduped int
}

type deduper struct {
	finder    NodeFinder
	embedder  embedder.Client
	resolver  EntityResolver
	threshold float64
}

// EmbeddingText is what a node's embedding is computed from.
func EmbeddingText(name, summary string) string {
	if summary == "" {
		return name
	}
	return name + ": " + summary
}

// resolve maps every entity to an existing node of the namespace (exact
// normalized name and type first, then resolver score >= threshold) or to a
// fresh node.
func (d *deduper) resolve(ctx context.Context, namespace string, entities []ValidEntity, now time.Time) (*resolution, error) {
	res := &resolution{byKey: make(map[string]string, len(entities))}
	if len(entities) == 0 {
		return res, nil
	}

	vectors := make([][]float32, len(entities))
	if d.embedder != nil {
		texts := make([]string, len(entities))
		for i, e := range entities {
			texts[i] = EmbeddingText(e.Name, e.Summary)
		}
		var err error
		vectors, err = d.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed candidates: %w", err)
		}
		if len(vectors) != len(entities) {
			return nil, fmt.Errorf("embed candidates: expected %d vectors, got %d", len(entities), len(vectors))
		}
	}

	pool := make(map[types.NodeType][]*types.Node)
	loaded := make(map[types.NodeType]bool)
	seen := make(map[string]*types.Node)
	fresh := make(map[string]bool)

	for i, e := range entities {
		candidate := &types.Node{
			Type:           e.Type,
			Namespace:      namespace,
			Name:           e.Name,
			NormalizedName: e.NormalizedName,
			Summary:        e.Summary,
			Properties:     copyProperties(e.Properties),
			Embedding:      vectors[i],
			UpdatedAt:      now,
		}

		match, err := d.exact(ctx, namespace, e)
		if err != nil {
			return nil, err
		}
		if match == nil {
			if !loaded[e.Type] {
				existing, err := d.finder.FindNodes(ctx, namespace, types.NodeFilter{Types: []types.NodeType{e.Type}})
				if err != nil {
					return nil, fmt.Errorf("load %s candidates: %w", e.Type, err)
				}
				pool[e.Type] = append(existing, pool[e.Type]...)
				loaded[e.Type] = true
			}
			match, err = d.fuzzy(ctx, candidate, pool[e.Type])
			if err != nil {
				return nil, err
			}
		}

		if match != nil {
			candidate.Uuid = match.Uuid
			candidate.Name = match.Name
			candidate.NormalizedName = match.NormalizedName
			candidate.CreatedAt = match.CreatedAt
			if len(match.Embedding) > 0 {
				candidate.Embedding = match.Embedding
			}
			if !fresh[match.Uuid] {
				res.deduped++
			}
		} else {
			candidate.Uuid = uuid.NewString()
			candidate.CreatedAt = now
			fresh[candidate.Uuid] = true
			pool[e.Type] = append(pool[e.Type], candidate)
		}

		res.byKey[e.Key] = candidate.Uuid
		if prev, ok := seen[candidate.Uuid]; ok {
			prev.Merge(candidate)
			continue
		}
		seen[candidate.Uuid] = candidate
		res.nodes = append(res.nodes, candidate)
	}
	return res, nil
}

func (d *deduper) exact(ctx context.Context, namespace string, e ValidEntity) (*types.Node, error) {
	found, err := d.finder.FindNodes(ctx, namespace, types.NodeFilter{
		Types:          []types.NodeType{e.Type},
		NormalizedName: e.NormalizedName,
		Limit:          1,
	})
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", e.Name, err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// fuzzy returns the best scoring existing node at or above the threshold.
// An exact normalized match within the pool wins outright.
func (d *deduper) fuzzy(ctx context.Context, candidate *types.Node, pool []*types.Node) (*types.Node, error) {
	var (
		best      *types.Node
		bestScore float64
	)
	for _, existing := range pool {
		if strings.EqualFold(existing.NormalizedName, candidate.NormalizedName) {
			return existing, nil
		}
		if d.resolver == nil {
			continue
		}
		score, err := d.resolver.Similarity(ctx, candidate, existing)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", candidate.Name, err)
		}
		if score >= d.threshold && score > bestScore {
			best, bestScore = existing, score
		}
	}
	return best, nil
}

// buildCommit assembles the atomic write for one chunk.
func buildCommit(namespace string, episode *types.Episode, res *resolution, relations []ValidRelation, now time.Time) (*types.ChunkCommit, int) {
	commit := &types.ChunkCommit{
		Namespace: namespace,
		Episode:   episode,
		Nodes:     res.nodes,
	}
	for _, n := range res.nodes {
		commit.Edges = append(commit.Edges, &types.Edge{
			Uuid:       mentionUUID(episode.Uuid, n.Uuid),
			Type:       types.MentionsEdge,
			SourceUuid: episode.Uuid,
			TargetUuid: n.Uuid,
			Namespace:  namespace,
			Confidence: 1,
			CreatedAt:  now,
		})
	}

	added := make(map[string]struct{})
	for _, r := range relations {
		src, tgt := res.byKey[r.SourceKey], res.byKey[r.TargetKey]
		if src == "" || tgt == "" || src == tgt {
			continue
		}
		id := RelationUUID(namespace, r.Type, src, tgt)
		if _, dup := added[id]; dup {
			continue
		}
		added[id] = struct{}{}
		commit.Edges = append(commit.Edges, &types.Edge{
			Uuid:       id,
			Type:       r.Type,
			SourceUuid: src,
			TargetUuid: tgt,
			Namespace:  namespace,
			FactText:   r.Fact,
			Confidence: r.Confidence,
			CreatedAt:  now,
		})
	}
	return commit, len(added)
}
