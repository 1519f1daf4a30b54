package search

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResultsToContextString renders search results as a block of entities an
// LLM prompt can quote directly.
func ResultsToContextString(resp *Response, ensureASCII bool) (string, error) {
	entityJSON := make([]map[string]any, 0, len(resp.Results))
	for _, r := range resp.Results {
		entityJSON = append(entityJSON, map[string]any{
			"entity_name": r.Node.Name,
			"entity_type": string(r.Node.Type),
			"summary":     r.Node.Summary,
			"namespace":   r.Namespace,
		})
	}

	entities, err := toPromptJSON(entityJSON, ensureASCII, 4)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entity JSON: %w", err)
	}

	var b strings.Builder
	b.WriteString("ENTITIES are research artifacts relevant to the query, most relevant first.\n")
	if resp.TriggeredExternal {
		b.WriteString("Coverage is low; more literature is being ingested in the background.\n")
	}
	b.WriteString("<ENTITIES>\n")
	b.WriteString(entities)
	b.WriteString("\n</ENTITIES>")
	return b.String(), nil
}

// toPromptJSON converts data to indented JSON, escaping non-ASCII runes
// when asked.
func toPromptJSON(data any, ensureASCII bool, indent int) (string, error) {
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}
	text := string(jsonBytes)
	if ensureASCII {
		var escaped strings.Builder
		for _, r := range text {
			switch {
			case r > 0xFFFF:
				// JSON needs a surrogate pair for runes outside the BMP
				r -= 0x10000
				fmt.Fprintf(&escaped, "\\u%04x\\u%04x", 0xD800+(r>>10), 0xDC00+(r&0x3FF))
			case r > 127:
				fmt.Fprintf(&escaped, "\\u%04x", r)
			default:
				escaped.WriteRune(r)
			}
		}
		text = escaped.String()
	}

	prefix := strings.Repeat(" ", indent)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n"), nil
}
