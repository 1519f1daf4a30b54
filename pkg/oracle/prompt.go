package oracle

import (
	"fmt"
	"strings"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

const systemPrompt = `You are an expert research-literature analyst that extracts a knowledge graph from scientific text.
Only use the entity types and relation types listed by the user.
Respond with a single JSON object and nothing else.`

// BuildMessages renders the system and user prompts for one chunk.
func BuildMessages(chunkText string, schema *types.SchemaSpec) (system, user string) {
	if schema == nil {
		schema = types.DefaultSchema()
	}

	var entityTypes strings.Builder
	for _, t := range schema.EntityTypes {
		fmt.Fprintf(&entityTypes, "- %s\n", t)
	}

	var relationTypes strings.Builder
	for _, r := range schema.Relations {
		fmt.Fprintf(&relationTypes, "- %s (%s -> %s)", r.Type, joinTypes(r.SourceTypes), joinTypes(r.TargetTypes))
		if r.Description != "" {
			fmt.Fprintf(&relationTypes, ": %s", r.Description)
		}
		relationTypes.WriteString("\n")
	}

	user = fmt.Sprintf(`<ENTITY TYPES>
%s</ENTITY TYPES>

<RELATION TYPES>
%s</RELATION TYPES>

<TEXT>
%s
</TEXT>

Instructions:

1. Extract the significant entities explicitly mentioned in TEXT and classify each with one of the ENTITY TYPES.
   - Use the full canonical name (e.g. "Vision Transformer", not "it" or "the model").
   - Do not extract the context header lines as entities unless the paper itself is discussed.
2. Extract relations between the extracted entities using only the RELATION TYPES, respecting their endpoint types.
   - "source" and "target" must be entity names from step 1.
   - "fact" is a short sentence from TEXT supporting the relation.
3. Give every entity and relation a confidence between 0 and 1.

Respond with JSON of the form:
{"entities":[{"name":"...","type":"...","summary":"...","confidence":0.9}],
 "relations":[{"type":"...","source":"...","target":"...","fact":"...","confidence":0.8}]}`,
		entityTypes.String(), relationTypes.String(), chunkText)

	return systemPrompt, user
}

func joinTypes(ts []types.NodeType) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, "|")
}
