package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/6chenhua/research-agent-backend/pkg/search"
	"github.com/6chenhua/research-agent-backend/pkg/server/dto"
)

// SearchHandler serves knowledge graph search.
type SearchHandler struct {
	service Service
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(s Service) *SearchHandler {
	return &SearchHandler{service: s}
}

// Search handles POST /api/v1/search
func (h *SearchHandler) Search(c *gin.Context) {
	var req dto.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sreq, err := req.Validate(userID(c))
	if err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.service.Search(c.Request.Context(), sreq)
	if err != nil {
		writeError(c, err)
		return
	}

	out := dto.SearchResponse{Response: resp}
	if req.IncludeContext {
		if out.Context, err = search.ResultsToContextString(resp, req.EnsureASCII); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, out)
}

// Stats handles GET /api/v1/stats/search
func (h *SearchHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.SearchStats())
}
