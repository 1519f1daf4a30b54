package driver

import (
	"fmt"
	"strings"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

const (
	entityLabel    = "Entity"
	episodeLabel   = "Episode"
	communityLabel = "Community"
	hasMemberType  = "HAS_MEMBER"

	fulltextIndexName = "entity_text"
	vectorIndexName   = "entity_embedding"
)

// SchemaStatements returns the constraint and index DDL for a database whose
// embeddings have the given dimensionality.
func SchemaStatements(dimensions int) []string {
	statements := []string{
		"CREATE CONSTRAINT entity_uuid IF NOT EXISTS FOR (n:Entity) REQUIRE n.uuid IS UNIQUE",
		"CREATE CONSTRAINT episode_uuid IF NOT EXISTS FOR (e:Episode) REQUIRE e.uuid IS UNIQUE",
		"CREATE CONSTRAINT community_uuid IF NOT EXISTS FOR (c:Community) REQUIRE c.uuid IS UNIQUE",
		"CREATE INDEX entity_namespace IF NOT EXISTS FOR (n:Entity) ON (n.namespace)",
		"CREATE INDEX entity_namespace_name IF NOT EXISTS FOR (n:Entity) ON (n.namespace, n.normalized_name)",
		"CREATE INDEX episode_namespace_source IF NOT EXISTS FOR (e:Episode) ON (e.namespace, e.source_ref)",
		"CREATE INDEX community_namespace IF NOT EXISTS FOR (c:Community) ON (c.namespace)",
		`CREATE FULLTEXT INDEX ` + fulltextIndexName + ` IF NOT EXISTS
FOR (n:Entity) ON EACH [n.name, n.summary]`,
	}
	if dimensions > 0 {
		statements = append(statements, fmt.Sprintf(`CREATE VECTOR INDEX %s IF NOT EXISTS
FOR (n:Entity) ON (n.embedding)
OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: %d, `+"`vector.similarity_function`"+`: 'cosine'}}`, vectorIndexName, dimensions))
	}
	return statements
}

// relationshipPattern renders a validated relationship type alternation such
// as "PROPOSES|CITES". MENTIONS is never traversed.
func relationshipPattern(filter []types.EdgeType) string {
	candidates := filter
	if len(candidates) == 0 {
		candidates = types.EdgeTypes
	}
	parts := make([]string, 0, len(candidates))
	for _, t := range candidates {
		if t.Valid() {
			parts = append(parts, string(t))
		}
	}
	return strings.Join(parts, "|")
}

// directedPattern renders a variable-length relationship in the requested
// direction.
func directedPattern(relTypes string, hops int, direction types.Direction) string {
	rel := fmt.Sprintf("[rels:%s*1..%d]", relTypes, hops)
	switch direction {
	case types.DirectionOutgoing:
		return "-" + rel + "->"
	case types.DirectionIncoming:
		return "<-" + rel + "-"
	default:
		return "-" + rel + "-"
	}
}

// luceneReplacer escapes characters with meaning in Lucene query syntax.
var luceneReplacer = strings.NewReplacer(
	`"`, `\"`,
	`\`, `\\`,
	`+`, `\+`,
	`-`, `\-`,
	`!`, `\!`,
	`(`, `\(`,
	`)`, `\)`,
	`{`, `\{`,
	`}`, `\}`,
	`[`, `\[`,
	`]`, `\]`,
	`^`, `\^`,
	`~`, `\~`,
	`*`, `\*`,
	`?`, `\?`,
	`:`, `\:`,
	`|`, `\|`,
	`&`, `\&`,
	`/`, `\/`,
)

// EscapeQueryString escapes special characters in fulltext queries.
func EscapeQueryString(query string) string {
	return luceneReplacer.Replace(query)
}

// fulltextQuery ORs the escaped terms so any overlap produces a candidate.
func fulltextQuery(terms []string) string {
	escaped := make([]string, 0, len(terms))
	for _, t := range terms {
		escaped = append(escaped, EscapeQueryString(t))
	}
	return strings.Join(escaped, " OR ")
}
