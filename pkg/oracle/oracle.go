// Package oracle turns chunk text into candidate entities and relations.
//
// The Oracle interface is the only thing the ingestion pipeline depends on.
// OpenAIOracle talks to any OpenAI-compatible chat endpoint in JSON mode, and
// Resilient wraps any Oracle with a per-call timeout, bounded retries and a
// circuit breaker.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	jsonrepair "github.com/kaptinlin/jsonrepair"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// Oracle extracts schema-constrained candidates from one chunk of text.
type Oracle interface {
	Extract(ctx context.Context, chunkText string, schema *types.SchemaSpec) (*types.Extraction, error)
}

// Func adapts a plain function to the Oracle interface.
type Func func(ctx context.Context, chunkText string, schema *types.SchemaSpec) (*types.Extraction, error)

// Extract calls f.
func (f Func) Extract(ctx context.Context, chunkText string, schema *types.SchemaSpec) (*types.Extraction, error) {
	return f(ctx, chunkText, schema)
}

// Nop extracts nothing. Ingestion with Nop still records episodes.
type Nop struct{}

// Extract returns an empty extraction.
func (Nop) Extract(ctx context.Context, _ string, _ *types.SchemaSpec) (*types.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &types.Extraction{}, nil
}

var thinkTags = regexp.MustCompile(`(?s)<think>.*?</think>`)

// RemoveThinkTags removes <think> blocks emitted by reasoning models.
func RemoveThinkTags(input string) string {
	return thinkTags.ReplaceAllString(input, "")
}

// ParseExtraction decodes a model response into an Extraction. Reasoning
// blocks and markdown fences are stripped, and malformed JSON is repaired
// before giving up.
func ParseExtraction(raw string) (*types.Extraction, error) {
	content := strings.TrimSpace(RemoveThinkTags(raw))
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyResponse
	}

	var out types.Extraction
	if err := json.Unmarshal([]byte(content), &out); err == nil {
		return &out, nil
	}

	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &out, nil
}
