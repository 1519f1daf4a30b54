package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/6chenhua/research-agent-backend/pkg/checkpoint"
	"github.com/6chenhua/research-agent-backend/pkg/server/dto"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// JobsHandler manages asynchronous ingestion jobs
type JobsHandler struct {
	service Service
}

// NewJobsHandler creates a new jobs handler
func NewJobsHandler(s Service) *JobsHandler {
	return &JobsHandler{service: s}
}

// Enqueue handles POST /api/v1/jobs. A live job for the same source is
// reported with 200 and duplicate set instead of 202.
func (h *JobsHandler) Enqueue(c *gin.Context) {
	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	jreq, err := req.Validate()
	if err != nil {
		badRequest(c, err)
		return
	}

	jobID, err := h.service.EnqueueIngestionJob(c.Request.Context(), userID(c), req.Global, jreq)
	switch {
	case errors.Is(err, types.ErrDuplicateJob):
		c.JSON(http.StatusOK, dto.EnqueueJobResponse{JobID: jobID, Duplicate: true})
	case err != nil:
		writeError(c, err)
	default:
		c.Header("Location", "/api/v1/jobs/"+jobID)
		c.JSON(http.StatusAccepted, dto.EnqueueJobResponse{JobID: jobID})
	}
}

// Get handles GET /api/v1/jobs/:id
func (h *JobsHandler) Get(c *gin.Context) {
	job, err := h.service.GetJobStatus(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Cancel handles DELETE /api/v1/jobs/:id
func (h *JobsHandler) Cancel(c *gin.Context) {
	job, err := h.service.CancelJob(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// List handles GET /api/v1/jobs
func (h *JobsHandler) List(c *gin.Context) {
	jobs, err := h.service.ListJobs(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*types.IngestionJob{}
	}
	c.JSON(http.StatusOK, dto.JobListResponse{Jobs: jobs, Total: len(jobs)})
}

// Checkpoints handles GET /api/v1/checkpoints?namespace= and reports how far
// ingestion of each source has progressed.
func (h *JobsHandler) Checkpoints(c *gin.Context) {
	ns := c.Query("namespace")
	if ns == "" {
		ns = callerNamespace(c)
	}
	cps, err := h.service.Checkpoints(c.Request.Context(), userID(c), ns)
	if err != nil {
		writeError(c, err)
		return
	}
	if cps == nil {
		cps = []*checkpoint.SourceCheckpoint{}
	}
	c.JSON(http.StatusOK, gin.H{"namespace": ns, "checkpoints": cps, "total": len(cps)})
}
