package dto

import (
	"errors"
	"fmt"
	"strings"

	researchagent "github.com/6chenhua/research-agent-backend"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// TripletNode identifies one endpoint of a triplet.
type TripletNode struct {
	Name    string `json:"name" binding:"required"`
	Type    string `json:"type" binding:"required"`
	Summary string `json:"summary,omitempty"`
}

// TripletRequest is the body of POST /api/v1/triplets.
type TripletRequest struct {
	Source     TripletNode `json:"source" binding:"required"`
	Relation   string      `json:"relation" binding:"required"`
	Target     TripletNode `json:"target" binding:"required"`
	Fact       string      `json:"fact,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	Global     bool        `json:"global,omitempty"`
}

// Validate converts the request into a triplet.
func (r *TripletRequest) Validate() (researchagent.Triplet, error) {
	source, err := r.Source.node()
	if err != nil {
		return researchagent.Triplet{}, fmt.Errorf("source: %w", err)
	}
	target, err := r.Target.node()
	if err != nil {
		return researchagent.Triplet{}, fmt.Errorf("target: %w", err)
	}
	rel, ok := types.ParseEdgeType(r.Relation)
	if !ok {
		return researchagent.Triplet{}, fmt.Errorf("%w: relation %q", types.ErrUnknownType, r.Relation)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return researchagent.Triplet{}, errors.New("confidence must be between 0 and 1")
	}
	return researchagent.Triplet{
		Source:     source,
		Target:     target,
		Type:       rel,
		Fact:       r.Fact,
		Confidence: r.Confidence,
	}, nil
}

func (n TripletNode) node() (*types.Node, error) {
	if strings.TrimSpace(n.Name) == "" {
		return nil, types.ErrEmptyName
	}
	t, ok := types.ParseNodeType(n.Type)
	if !ok {
		return nil, fmt.Errorf("%w: entity type %q", types.ErrUnknownType, n.Type)
	}
	return &types.Node{Name: n.Name, Type: t, Summary: n.Summary}, nil
}

// NeighborsResponse is returned by GET /api/v1/nodes/:uuid/neighbors.
type NeighborsResponse struct {
	NodeUUID  string           `json:"node_uuid"`
	Neighbors []types.Neighbor `json:"neighbors"`
	Total     int              `json:"total"`
}

// PathResponse is returned by GET /api/v1/paths.
type PathResponse struct {
	*types.Path
	Hops int `json:"hops"`
}

// CommunitiesRequest is the body of POST /api/v1/communities.
type CommunitiesRequest struct {
	Namespace string `json:"namespace,omitempty"`
}

// CommunitiesResponse lists detected communities.
type CommunitiesResponse struct {
	Namespace   string             `json:"namespace"`
	Communities []*types.Community `json:"communities"`
	Total       int                `json:"total"`
}
