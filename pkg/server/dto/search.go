package dto

import (
	"errors"
	"strings"

	"github.com/6chenhua/research-agent-backend/pkg/search"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// MaxQueryLength bounds the search query accepted over HTTP.
const MaxQueryLength = 2048

// SearchRequest is the body of POST /api/v1/search. The caller identity
// comes from the X-User-ID header, never from the body.
type SearchRequest struct {
	Query         string `json:"query" binding:"required"`
	RerankMode    string `json:"rerank_mode,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	FocalNodeUUID string `json:"focal_node_uuid,omitempty"`
	// IncludeContext adds the results rendered as an LLM prompt block.
	IncludeContext bool `json:"include_context,omitempty"`
	EnsureASCII    bool `json:"ensure_ascii,omitempty"`
}

// SearchResponse is a search response, optionally with its prompt block.
type SearchResponse struct {
	*search.Response
	Context string `json:"context,omitempty"`
}

var (
	ErrEmptyQuery   = errors.New("query cannot be empty")
	ErrQueryTooLong = errors.New("query exceeds maximum length")
)

// Validate checks the request and converts it for the orchestrator.
func (r *SearchRequest) Validate(userID string) (search.Request, error) {
	if strings.TrimSpace(r.Query) == "" {
		return search.Request{}, ErrEmptyQuery
	}
	if len(r.Query) > MaxQueryLength {
		return search.Request{}, ErrQueryTooLong
	}
	if r.Limit < 0 {
		return search.Request{}, types.ErrInvalidLimit
	}
	return search.Request{
		Query:         r.Query,
		UserID:        userID,
		RerankMode:    types.ParseRerankMode(r.RerankMode),
		Limit:         r.Limit,
		FocalNodeUUID: r.FocalNodeUUID,
	}, nil
}
