package types

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrEmptyEndpoint = errors.New("edge source and target cannot be empty")
	ErrSelfLoop      = errors.New("edge source and target must differ")
)

// EdgeType is the relation type of an Edge.
type EdgeType string

const (
	ProposesEdge       EdgeType = "PROPOSES"
	EvaluatesOnEdge    EdgeType = "EVALUATES_ON"
	SolvesEdge         EdgeType = "SOLVES"
	ImprovesOverEdge   EdgeType = "IMPROVES_OVER"
	CitesEdge          EdgeType = "CITES"
	UsesMetricEdge     EdgeType = "USES_METRIC"
	AuthoredByEdge     EdgeType = "AUTHORED_BY"
	AffiliatedWithEdge EdgeType = "AFFILIATED_WITH"
	HasConceptEdge     EdgeType = "HAS_CONCEPT"

	// MentionsEdge links an Episode to the nodes derived from it.
	MentionsEdge EdgeType = "MENTIONS"
)

// EdgeTypes lists the relation catalogue in a stable order. MENTIONS is a
// provenance edge and is not part of it.
var EdgeTypes = []EdgeType{
	ProposesEdge, EvaluatesOnEdge, SolvesEdge, ImprovesOverEdge, CitesEdge,
	UsesMetricEdge, AuthoredByEdge, AffiliatedWithEdge, HasConceptEdge,
}

// Valid reports whether t is a catalogue relation.
func (t EdgeType) Valid() bool {
	for _, known := range EdgeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEdgeType normalizes s ("evaluates on", "Evaluates-On") to a catalogue type.
func ParseEdgeType(s string) (EdgeType, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	t := EdgeType(s)
	if t.Valid() || t == MentionsEdge {
		return t, true
	}
	return "", false
}

// Direction selects which edges GetNeighbors follows.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// ParseDirection returns DirectionBoth for unknown or empty input.
func ParseDirection(s string) Direction {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionOutgoing:
		return DirectionOutgoing
	case DirectionIncoming:
		return DirectionIncoming
	default:
		return DirectionBoth
	}
}

// Edge represents a typed relation between two nodes of one namespace.
type Edge struct {
	Uuid       string    `json:"uuid" mapstructure:"uuid"`
	Type       EdgeType  `json:"type" mapstructure:"type"`
	SourceUuid string    `json:"source_uuid" mapstructure:"source_uuid"`
	TargetUuid string    `json:"target_uuid" mapstructure:"target_uuid"`
	Namespace  string    `json:"namespace" mapstructure:"namespace"`
	FactText   string    `json:"fact_text,omitempty" mapstructure:"fact_text"`
	Confidence float64   `json:"confidence" mapstructure:"confidence"`
	CreatedAt  time.Time `json:"created_at" mapstructure:"created_at"`
}

// Validate checks if the Edge has all required fields set.
func (e *Edge) Validate() error {
	if e.Uuid == "" {
		return ErrEmptyUUID
	}
	if e.Namespace == "" {
		return ErrEmptyNamespace
	}
	if e.SourceUuid == "" || e.TargetUuid == "" {
		return ErrEmptyEndpoint
	}
	if e.SourceUuid == e.TargetUuid {
		return ErrSelfLoop
	}
	if !e.Type.Valid() && e.Type != MentionsEdge {
		return ErrUnknownType
	}
	return nil
}

// Neighbor is a node reached from an origin through GetNeighbors.
type Neighbor struct {
	Node      *Node     `json:"node"`
	Edge      *Edge     `json:"edge"`
	Direction Direction `json:"direction"`
	Hops      int       `json:"hops"`
}

// Path is a shortest path between two nodes. Hops equals len(EdgeUuids).
type Path struct {
	NodeUuids []string `json:"node_uuids"`
	EdgeUuids []string `json:"edge_uuids"`
}

// Hops returns the number of edges on the path.
func (p *Path) Hops() int {
	if p == nil {
		return -1
	}
	return len(p.EdgeUuids)
}
