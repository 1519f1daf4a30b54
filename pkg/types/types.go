package types

import (
	"errors"
	"strings"
	"time"
)

// Validation errors
var (
	ErrEmptyName      = errors.New("name cannot be empty")
	ErrEmptyNamespace = errors.New("namespace cannot be empty")
	ErrEmptyUUID      = errors.New("uuid cannot be empty")
	ErrEmptyContent   = errors.New("content cannot be empty")
	ErrInvalidLimit   = errors.New("limit must be positive")
	ErrUnknownType    = errors.New("type is not part of the schema catalogue")
)

// ContextKey is the type for context keys used by the server and telemetry.
type ContextKey string

const (
	ContextKeyUserID    ContextKey = "user_id"
	ContextKeyRequestID ContextKey = "request_id"
	ContextKeyJobID     ContextKey = "job_id"
	ContextKeyNamespace ContextKey = "namespace"
)

// NodeType is the entity type of a Node.
type NodeType string

const (
	PaperNode       NodeType = "Paper"
	MethodNode      NodeType = "Method"
	DatasetNode     NodeType = "Dataset"
	TaskNode        NodeType = "Task"
	MetricNode      NodeType = "Metric"
	AuthorNode      NodeType = "Author"
	InstitutionNode NodeType = "Institution"
	ConceptNode     NodeType = "Concept"
)

// NodeTypes lists the entity catalogue in a stable order.
var NodeTypes = []NodeType{
	PaperNode, MethodNode, DatasetNode, TaskNode,
	MetricNode, AuthorNode, InstitutionNode, ConceptNode,
}

// Valid reports whether t is part of the entity catalogue.
func (t NodeType) Valid() bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseNodeType matches s case-insensitively against the catalogue.
func ParseNodeType(s string) (NodeType, bool) {
	s = strings.TrimSpace(s)
	for _, known := range NodeTypes {
		if strings.EqualFold(s, string(known)) {
			return known, true
		}
	}
	return "", false
}

// Node represents an entity in the knowledge graph.
type Node struct {
	Uuid           string         `json:"uuid" mapstructure:"uuid"`
	Type           NodeType       `json:"type" mapstructure:"type"`
	Namespace      string         `json:"namespace" mapstructure:"namespace"`
	Name           string         `json:"name" mapstructure:"name"`
	NormalizedName string         `json:"normalized_name,omitempty" mapstructure:"normalized_name"`
	Summary        string         `json:"summary,omitempty" mapstructure:"summary"`
	Properties     map[string]any `json:"properties,omitempty" mapstructure:"properties"`
	Embedding      []float32      `json:"embedding,omitempty" mapstructure:"embedding"`
	CreatedAt      time.Time      `json:"created_at" mapstructure:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" mapstructure:"updated_at"`
}

// Validate checks if the Node has all required fields set.
func (n *Node) Validate() error {
	if n.Uuid == "" {
		return ErrEmptyUUID
	}
	if strings.TrimSpace(n.Name) == "" {
		return ErrEmptyName
	}
	if n.Namespace == "" {
		return ErrEmptyNamespace
	}
	if !n.Type.Valid() {
		return ErrUnknownType
	}
	return nil
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Properties != nil {
		c.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			c.Properties[k] = v
		}
	}
	if n.Embedding != nil {
		c.Embedding = append([]float32(nil), n.Embedding...)
	}
	return &c
}

// Merge folds other into n. Properties are unioned; on key collisions the
// value from the more recently updated node wins. Summary and embedding follow
// the same rule when the newer side has them.
func (n *Node) Merge(other *Node) {
	if other == nil {
		return
	}
	newer := !other.UpdatedAt.Before(n.UpdatedAt)
	if n.Properties == nil {
		n.Properties = make(map[string]any, len(other.Properties))
	}
	for k, v := range other.Properties {
		if _, exists := n.Properties[k]; !exists || newer {
			n.Properties[k] = v
		}
	}
	if other.Summary != "" && (n.Summary == "" || newer) {
		n.Summary = other.Summary
	}
	if len(other.Embedding) > 0 && (len(n.Embedding) == 0 || newer) {
		n.Embedding = other.Embedding
	}
	if newer {
		n.UpdatedAt = other.UpdatedAt
	}
}

// ScoredNode is a node together with its relevance for one ranked list.
type ScoredNode struct {
	Node  *Node   `json:"node"`
	Score float64 `json:"score"`
}

// HybridQuery carries both the text and its embedding to a store.
type HybridQuery struct {
	Text   string    `json:"text"`
	Vector []float32 `json:"vector,omitempty"`
}

// NodeFilter narrows FindNodes to a subset of a namespace.
type NodeFilter struct {
	Types          []NodeType `json:"types,omitempty"`
	NormalizedName string     `json:"normalized_name,omitempty"`
	Limit          int        `json:"limit,omitempty"`
}

// GraphStats summarizes the contents of one namespace.
type GraphStats struct {
	Namespace    string           `json:"namespace"`
	NodeCount    int              `json:"node_count"`
	EdgeCount    int              `json:"edge_count"`
	EpisodeCount int              `json:"episode_count"`
	ByType       map[NodeType]int `json:"by_type"`
	TopEntities  []EntityDegree   `json:"top_entities"`
}

// EntityDegree is a node ranked by its number of relation edges.
type EntityDegree struct {
	Uuid   string `json:"uuid"`
	Name   string `json:"name"`
	Degree int    `json:"degree"`
}
