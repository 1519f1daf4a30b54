package types

// CandidateEntity is an entity proposed by the extraction oracle for one chunk.
type CandidateEntity struct {
	Name       string         `json:"name" yaml:"name"`
	Type       string         `json:"type" yaml:"type"`
	Summary    string         `json:"summary,omitempty" yaml:"summary,omitempty"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
	Confidence float64        `json:"confidence" yaml:"confidence"`
}

// CandidateRelation references its endpoints by entity name within the same chunk.
type CandidateRelation struct {
	Type       string  `json:"type" yaml:"type"`
	Source     string  `json:"source" yaml:"source"`
	Target     string  `json:"target" yaml:"target"`
	Fact       string  `json:"fact,omitempty" yaml:"fact,omitempty"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// Extraction is the oracle output for a single chunk.
type Extraction struct {
	Entities  []CandidateEntity   `json:"entities"`
	Relations []CandidateRelation `json:"relations"`
}

// IsEmpty returns true if nothing was extracted.
func (e *Extraction) IsEmpty() bool {
	return e == nil || (len(e.Entities) == 0 && len(e.Relations) == 0)
}

// RelationSchema constrains the endpoint types of a relation.
type RelationSchema struct {
	Type        EdgeType   `json:"type" yaml:"type"`
	SourceTypes []NodeType `json:"source_types" yaml:"source_types"`
	TargetTypes []NodeType `json:"target_types" yaml:"target_types"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
}

// Allows reports whether source -> target is a permitted pairing.
func (r RelationSchema) Allows(source, target NodeType) bool {
	return containsType(r.SourceTypes, source) && containsType(r.TargetTypes, target)
}

func containsType(set []NodeType, t NodeType) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

// SchemaSpec is the entity/relation catalogue handed to the extraction oracle.
type SchemaSpec struct {
	EntityTypes []NodeType       `json:"entity_types" yaml:"entity_types"`
	Relations   []RelationSchema `json:"relations" yaml:"relations"`
}

// Relation returns the schema for t.
func (s *SchemaSpec) Relation(t EdgeType) (RelationSchema, bool) {
	for _, r := range s.Relations {
		if r.Type == t {
			return r, true
		}
	}
	return RelationSchema{}, false
}

// HasEntityType reports whether t is accepted by the schema.
func (s *SchemaSpec) HasEntityType(t NodeType) bool {
	return containsType(s.EntityTypes, t)
}

// DefaultSchema returns the 8-entity / 9-relation research catalogue.
func DefaultSchema() *SchemaSpec {
	return &SchemaSpec{
		EntityTypes: append([]NodeType(nil), NodeTypes...),
		Relations: []RelationSchema{
			{Type: ProposesEdge, SourceTypes: []NodeType{PaperNode}, TargetTypes: []NodeType{MethodNode},
				Description: "a paper proposes a method, model or algorithm"},
			{Type: EvaluatesOnEdge, SourceTypes: []NodeType{PaperNode, MethodNode}, TargetTypes: []NodeType{DatasetNode},
				Description: "a paper or method is evaluated on a dataset"},
			{Type: SolvesEdge, SourceTypes: []NodeType{MethodNode}, TargetTypes: []NodeType{TaskNode},
				Description: "a method addresses a task"},
			{Type: ImprovesOverEdge, SourceTypes: []NodeType{MethodNode}, TargetTypes: []NodeType{MethodNode},
				Description: "a method improves over another method"},
			{Type: CitesEdge, SourceTypes: []NodeType{PaperNode}, TargetTypes: []NodeType{PaperNode},
				Description: "a paper cites another paper"},
			{Type: UsesMetricEdge, SourceTypes: []NodeType{PaperNode, MethodNode}, TargetTypes: []NodeType{MetricNode},
				Description: "a paper or method reports a metric"},
			{Type: AuthoredByEdge, SourceTypes: []NodeType{PaperNode}, TargetTypes: []NodeType{AuthorNode},
				Description: "a paper is written by an author"},
			{Type: AffiliatedWithEdge, SourceTypes: []NodeType{AuthorNode}, TargetTypes: []NodeType{InstitutionNode},
				Description: "an author belongs to an institution"},
			{Type: HasConceptEdge, SourceTypes: []NodeType{PaperNode, MethodNode}, TargetTypes: []NodeType{ConceptNode},
				Description: "a paper or method involves a concept"},
		},
	}
}
