package types

import (
	"strings"
	"time"
)

// JobStatus is the lifecycle state of an IngestionJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Live reports whether the job may still run.
func (s JobStatus) Live() bool {
	return s == JobPending || s == JobRunning
}

// Terminal reports whether the job has finished one way or another.
func (s JobStatus) Terminal() bool {
	return !s.Live()
}

// JobKind tells the runner how to obtain the source document.
type JobKind string

const (
	// JobDocument carries the document bytes in memory.
	JobDocument JobKind = "document"
	// JobDownload fetches the document through the literature connector.
	JobDownload JobKind = "download"
	// JobExternalQuery searches external literature and ingests the hits.
	JobExternalQuery JobKind = "external_query"
)

// ExternalQueryPrefix marks source refs produced by coverage escalation.
const ExternalQueryPrefix = "query:"

// IngestionJob is the persisted record of one unit of asynchronous ingestion.
type IngestionJob struct {
	JobID        string    `json:"job_id"`
	Namespace    string    `json:"namespace"`
	SourceRef    string    `json:"source_ref"`
	Kind         JobKind   `json:"kind"`
	Title        string    `json:"title,omitempty"`
	Status       JobStatus `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastError    string    `json:"last_error,omitempty"`
	FailedStage  Stage     `json:"failed_stage,omitempty"`
}

// JobRequest describes a job to enqueue. Payload is held in memory only.
type JobRequest struct {
	Namespace string
	SourceRef string
	Kind      JobKind
	Title     string
	Payload   []byte
	Metadata  map[string]string
}

// KindForSourceRef infers the job kind from the shape of a source ref.
func KindForSourceRef(ref string) JobKind {
	switch {
	case strings.HasPrefix(ref, ExternalQueryPrefix):
		return JobExternalQuery
	default:
		return JobDownload
	}
}

// RerankMode selects the secondary reranking applied after rank fusion.
type RerankMode string

const (
	RerankRRF   RerankMode = "rrf"
	RerankMMR   RerankMode = "mmr"
	RerankFocal RerankMode = "focal"
)

// ParseRerankMode defaults to RRF for empty or unknown input.
func ParseRerankMode(s string) RerankMode {
	switch RerankMode(strings.ToLower(strings.TrimSpace(s))) {
	case RerankMMR:
		return RerankMMR
	case RerankFocal, "node_distance":
		return RerankFocal
	default:
		return RerankRRF
	}
}

// IngestReport summarizes one ingestion run.
type IngestReport struct {
	Namespace       string   `json:"namespace"`
	SourceRef       string   `json:"source_ref"`
	EpisodeCount    int      `json:"episode_count"`
	EntityCount     int      `json:"entity_count"`
	RelationCount   int      `json:"relation_count"`
	DedupedCount    int      `json:"deduped_count"`
	Commits         int      `json:"commits"`
	AlreadyIngested bool     `json:"already_ingested"`
	Warnings        []string `json:"warnings,omitempty"`
}
