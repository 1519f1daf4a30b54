package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/6chenhua/research-agent-backend/pkg/server/dto"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// Traversal bounds for graph endpoints.
const (
	DefaultNeighborHops = 1
	MaxPathDepth        = 5
)

// GraphHandler exposes node, path and community operations
type GraphHandler struct {
	service Service
}

// NewGraphHandler creates a new graph handler
func NewGraphHandler(s Service) *GraphHandler {
	return &GraphHandler{service: s}
}

// GetNode handles GET /api/v1/nodes/:uuid
func (h *GraphHandler) GetNode(c *gin.Context) {
	detail, err := h.service.GetNode(c.Request.Context(), userID(c), c.Param("uuid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// GetNeighbors handles GET /api/v1/nodes/:uuid/neighbors?hops=&direction=&types=
func (h *GraphHandler) GetNeighbors(c *gin.Context) {
	hops, err := intQuery(c, "hops", DefaultNeighborHops)
	if err != nil {
		badRequest(c, err)
		return
	}
	var filter []types.EdgeType
	if raw := c.Query("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t, ok := types.ParseEdgeType(part)
			if !ok {
				writeError(c, types.ErrUnknownType)
				return
			}
			filter = append(filter, t)
		}
	}

	nodeUUID := c.Param("uuid")
	neighbors, err := h.service.GetNeighbors(c.Request.Context(), userID(c), nodeUUID, hops,
		types.ParseDirection(c.Query("direction")), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	if neighbors == nil {
		neighbors = []types.Neighbor{}
	}
	c.JSON(http.StatusOK, dto.NeighborsResponse{NodeUUID: nodeUUID, Neighbors: neighbors, Total: len(neighbors)})
}

// DeleteNode handles DELETE /api/v1/nodes/:uuid?global=
func (h *GraphHandler) DeleteNode(c *gin.Context) {
	fromGlobal, err := boolQuery(c, "global")
	if err != nil {
		badRequest(c, err)
		return
	}
	if err := h.service.DeleteNode(c.Request.Context(), userID(c), fromGlobal, c.Param("uuid")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ShortestPath handles GET /api/v1/paths?source=&target=&max_depth=
func (h *GraphHandler) ShortestPath(c *gin.Context) {
	source, target := c.Query("source"), c.Query("target")
	if source == "" || target == "" {
		writeError(c, types.ErrEmptyEndpoint)
		return
	}
	depth, err := intQuery(c, "max_depth", MaxPathDepth)
	if err != nil {
		badRequest(c, err)
		return
	}
	if depth <= 0 || depth > MaxPathDepth {
		depth = MaxPathDepth
	}

	path, err := h.service.ShortestPath(c.Request.Context(), userID(c), source, target, depth)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.PathResponse{Path: path, Hops: path.Hops()})
}

// AddTriplet handles POST /api/v1/triplets
func (h *GraphHandler) AddTriplet(c *gin.Context) {
	var req dto.TripletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	triplet, err := req.Validate()
	if err != nil {
		writeError(c, err)
		return
	}

	result, err := h.service.AddTriplet(c.Request.Context(), userID(c), req.Global, triplet)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// Stats handles GET /api/v1/graph/stats?namespace=
func (h *GraphHandler) Stats(c *gin.Context) {
	ns := c.Query("namespace")
	if ns == "" {
		ns = callerNamespace(c)
	}
	stats, err := h.service.GraphStats(c.Request.Context(), userID(c), ns)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// DetectCommunities handles POST /api/v1/communities
func (h *GraphHandler) DetectCommunities(c *gin.Context) {
	var req dto.CommunitiesRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	ns := req.Namespace
	if ns == "" {
		ns = callerNamespace(c)
	}

	communities, err := h.service.DetectCommunities(c.Request.Context(), userID(c), ns)
	if err != nil {
		writeError(c, err)
		return
	}
	if communities == nil {
		communities = []*types.Community{}
	}
	c.JSON(http.StatusOK, dto.CommunitiesResponse{Namespace: ns, Communities: communities, Total: len(communities)})
}

// GetCommunities handles GET /api/v1/communities?namespace=
func (h *GraphHandler) GetCommunities(c *gin.Context) {
	ns := c.Query("namespace")
	if ns == "" {
		ns = callerNamespace(c)
	}
	communities, err := h.service.GetCommunities(c.Request.Context(), userID(c), ns)
	if err != nil {
		writeError(c, err)
		return
	}
	if communities == nil {
		communities = []*types.Community{}
	}
	c.JSON(http.StatusOK, dto.CommunitiesResponse{Namespace: ns, Communities: communities, Total: len(communities)})
}
