package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/6chenhua/research-agent-backend/pkg/types"
	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

// DefaultConfidenceFloor drops candidates the oracle is unsure about.
const DefaultConfidenceFloor = 0.3

// ValidEntity is a schema-checked candidate. Key identifies it within a chunk.
type ValidEntity struct {
	Key            string
	Name           string
	NormalizedName string
	Type           types.NodeType
	Summary        string
	Properties     map[string]any
	Confidence     float64
}

// ValidRelation references its endpoints by ValidEntity.Key.
type ValidRelation struct {
	Type       types.EdgeType
	SourceKey  string
	TargetKey  string
	Fact       string
	Confidence float64
}

// ValidatedExtraction is what survives schema and confidence checks.
type ValidatedExtraction struct {
	Entities  []ValidEntity
	Relations []ValidRelation
	Dropped   []string
}

func entityKey(t types.NodeType, normalized string) string {
	return string(t) + "\x00" + normalized
}

// ValidateExtraction drops candidates with an unknown type, an empty name, a
// confidence under floor, or relation endpoints that do not fit the schema.
// Entities repeated within the chunk are folded into one, keeping the
// highest confidence.
func ValidateExtraction(ext *types.Extraction, schema *types.SchemaSpec, floor float64) ValidatedExtraction {
	var out ValidatedExtraction
	if ext.IsEmpty() {
		return out
	}
	if schema == nil {
		schema = types.DefaultSchema()
	}

	index := make(map[string]int)
	byName := make(map[string][]types.NodeType)
	for _, c := range ext.Entities {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			out.Dropped = append(out.Dropped, "entity with empty name")
			continue
		}
		t, ok := types.ParseNodeType(c.Type)
		if !ok || !schema.HasEntityType(t) {
			out.Dropped = append(out.Dropped, fmt.Sprintf("entity %q: unknown type %q", name, c.Type))
			continue
		}
		if c.Confidence < floor {
			out.Dropped = append(out.Dropped, fmt.Sprintf("entity %q: confidence %.2f below floor", name, c.Confidence))
			continue
		}

		normalized := utils.NormalizeName(name)
		key := entityKey(t, normalized)
		if i, seen := index[key]; seen {
			prev := &out.Entities[i]
			if c.Confidence > prev.Confidence {
				prev.Confidence = c.Confidence
			}
			if prev.Summary == "" {
				prev.Summary = c.Summary
			}
			for k, v := range c.Properties {
				if _, exists := prev.Properties[k]; !exists {
					if prev.Properties == nil {
						prev.Properties = make(map[string]any)
					}
					prev.Properties[k] = v
				}
			}
			continue
		}
		index[key] = len(out.Entities)
		byName[normalized] = append(byName[normalized], t)
		out.Entities = append(out.Entities, ValidEntity{
			Key:            key,
			Name:           name,
			NormalizedName: normalized,
			Type:           t,
			Summary:        strings.TrimSpace(c.Summary),
			Properties:     copyProperties(c.Properties),
			Confidence:     c.Confidence,
		})
	}

	seen := make(map[string]struct{})
	for _, r := range ext.Relations {
		t, ok := types.ParseEdgeType(r.Type)
		if !ok || !t.Valid() {
			out.Dropped = append(out.Dropped, fmt.Sprintf("relation %q: unknown type", r.Type))
			continue
		}
		if r.Confidence < floor {
			out.Dropped = append(out.Dropped, fmt.Sprintf("relation %s(%s, %s): confidence %.2f below floor", t, r.Source, r.Target, r.Confidence))
			continue
		}
		rs, ok := schema.Relation(t)
		if !ok {
			out.Dropped = append(out.Dropped, fmt.Sprintf("relation %s: not in schema", t))
			continue
		}
		src, tgt := utils.NormalizeName(r.Source), utils.NormalizeName(r.Target)
		srcType, tgtType, ok := resolveEndpoints(rs, byName[src], byName[tgt])
		if !ok {
			out.Dropped = append(out.Dropped, fmt.Sprintf("relation %s(%s, %s): endpoints missing or of the wrong type", t, r.Source, r.Target))
			continue
		}
		sourceKey, targetKey := entityKey(srcType, src), entityKey(tgtType, tgt)
		if sourceKey == targetKey {
			out.Dropped = append(out.Dropped, fmt.Sprintf("relation %s(%s, %s): self loop", t, r.Source, r.Target))
			continue
		}
		dedupKey := string(t) + "\x00" + sourceKey + "\x00" + targetKey
		if _, dup := seen[dedupKey]; dup {
			continue
		}
		seen[dedupKey] = struct{}{}
		out.Relations = append(out.Relations, ValidRelation{
			Type:       t,
			SourceKey:  sourceKey,
			TargetKey:  targetKey,
			Fact:       strings.TrimSpace(r.Fact),
			Confidence: r.Confidence,
		})
	}
	return out
}

// resolveEndpoints picks the first (catalogue order) typing of the named
// endpoints that the relation schema allows.
func resolveEndpoints(rs types.RelationSchema, sources, targets []types.NodeType) (types.NodeType, types.NodeType, bool) {
	sortByCatalogue(sources)
	sortByCatalogue(targets)
	for _, s := range sources {
		for _, t := range targets {
			if rs.Allows(s, t) {
				return s, t, true
			}
		}
	}
	return "", "", false
}

func sortByCatalogue(ts []types.NodeType) {
	rank := func(t types.NodeType) int {
		for i, known := range types.NodeTypes {
			if known == t {
				return i
			}
		}
		return len(types.NodeTypes)
	}
	sort.SliceStable(ts, func(i, j int) bool { return rank(ts[i]) < rank(ts[j]) })
}

func copyProperties(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
