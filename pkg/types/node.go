package types

import (
	"time"
)

// Episode is the immutable provenance record of one ingested chunk.
type Episode struct {
	Uuid         string    `json:"uuid" mapstructure:"uuid"`
	Namespace    string    `json:"namespace" mapstructure:"namespace"`
	Name         string    `json:"name" mapstructure:"name"`
	Content      string    `json:"content" mapstructure:"content"`
	SourceType   string    `json:"source_type" mapstructure:"source_type"`
	SourceRef    string    `json:"source_ref" mapstructure:"source_ref"`
	SectionTitle string    `json:"section_title,omitempty" mapstructure:"section_title"`
	ChunkIndex   int       `json:"chunk_index" mapstructure:"chunk_index"`
	CreatedAt    time.Time `json:"created_at" mapstructure:"created_at"`
}

// Validate checks if the Episode has all required fields set.
func (e *Episode) Validate() error {
	if e.Uuid == "" {
		return ErrEmptyUUID
	}
	if e.Namespace == "" {
		return ErrEmptyNamespace
	}
	if e.Content == "" {
		return ErrEmptyContent
	}
	return nil
}

// Community groups densely connected nodes of one namespace.
type Community struct {
	Uuid            string    `json:"uuid"`
	Namespace       string    `json:"namespace"`
	MemberNodeUuids []string  `json:"member_node_uuids"`
	Summary         string    `json:"summary,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ChunkCommit is everything derived from one chunk. Stores apply it
// all-or-nothing. Episode is nil for facts asserted without a source text.
type ChunkCommit struct {
	Namespace string   `json:"namespace"`
	Episode   *Episode `json:"episode"`
	Nodes     []*Node  `json:"nodes"`
	Edges     []*Edge  `json:"edges"`
}

// NodeDetail is a node together with its immediate context.
type NodeDetail struct {
	Node           *Node      `json:"node"`
	Neighbors      []Neighbor `json:"neighbors,omitempty"`
	SourceEpisodes []*Episode `json:"source_episodes,omitempty"`
}
