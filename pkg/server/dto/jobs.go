package dto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

var ErrMissingSource = errors.New("either source_ref or content is required")

// EnqueueJobRequest is the body of POST /api/v1/jobs. A request with inline
// content becomes a document job; otherwise the kind is inferred from
// source_ref unless given.
type EnqueueJobRequest struct {
	SourceRef string            `json:"source_ref"`
	Kind      string            `json:"kind,omitempty"`
	Title     string            `json:"title,omitempty"`
	Content   string            `json:"content,omitempty"`
	Global    bool              `json:"global,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate converts the request into a job request.
func (r *EnqueueJobRequest) Validate() (types.JobRequest, error) {
	ref := strings.TrimSpace(r.SourceRef)
	if ref == "" && r.Content == "" {
		return types.JobRequest{}, ErrMissingSource
	}

	kind := types.JobKind(strings.ToLower(strings.TrimSpace(r.Kind)))
	switch {
	case kind == "" && r.Content != "":
		kind = types.JobDocument
	case kind == "":
		kind = types.KindForSourceRef(ref)
	case kind != types.JobDocument && kind != types.JobDownload && kind != types.JobExternalQuery:
		return types.JobRequest{}, errors.New("kind must be document, download or external_query")
	}
	if kind == types.JobDocument && r.Content == "" {
		return types.JobRequest{}, errors.New("document jobs need content")
	}
	if kind != types.JobDocument && ref == "" {
		return types.JobRequest{}, errors.New("source_ref is required")
	}

	if ref == "" {
		ref = ContentRef([]byte(r.Content))
	}

	req := types.JobRequest{
		SourceRef: ref,
		Kind:      kind,
		Title:     r.Title,
		Metadata:  r.Metadata,
	}
	if kind == types.JobDocument {
		req.Payload = []byte(r.Content)
	}
	return req, nil
}

// EnqueueJobResponse is returned by POST /api/v1/jobs.
type EnqueueJobResponse struct {
	JobID     string `json:"job_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// JobListResponse is returned by GET /api/v1/jobs.
type JobListResponse struct {
	Jobs  []*types.IngestionJob `json:"jobs"`
	Total int                   `json:"total"`
}

// UploadRefPrefix marks source refs derived from uploaded content.
const UploadRefPrefix = "upload:"

// ContentRef names uploaded content that came without a source ref, so
// uploading the same bytes twice is recognised as the same source.
func ContentRef(data []byte) string {
	sum := sha256.Sum256(data)
	return UploadRefPrefix + hex.EncodeToString(sum[:8])
}
