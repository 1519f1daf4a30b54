package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/6chenhua/research-agent-backend/pkg/ingest"
	"github.com/6chenhua/research-agent-backend/pkg/server/dto"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// IngestHandler handles synchronous document ingestion
type IngestHandler struct {
	service Service
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(s Service) *IngestHandler {
	return &IngestHandler{service: s}
}

// Ingest handles POST /api/v1/ingest. The document is either the raw
// request body or the "file" part of a multipart form. source_ref, title
// and global are read from the query string.
func (h *IngestHandler) Ingest(c *gin.Context) {
	data, filename, err := readDocument(c)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeErrorJSON(c, http.StatusRequestEntityTooLarge, dto.CodeInvalidRequest, "document too large")
			return
		}
		badRequest(c, err)
		return
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		writeError(c, types.ErrEmptyContent)
		return
	}

	toGlobal, err := boolQuery(c, "global")
	if err != nil {
		badRequest(c, err)
		return
	}

	meta := ingest.SourceMetadata{
		SourceRef:  strings.TrimSpace(c.Query("source_ref")),
		Title:      c.Query("title"),
		SourceType: "upload",
		Domain:     c.Query("domain"),
	}
	if meta.SourceRef == "" {
		meta.SourceRef = dto.ContentRef(data)
	}
	if meta.Title == "" {
		meta.Title = filename
	}

	report, err := h.service.IngestForUser(c.Request.Context(), data, userID(c), toGlobal, meta)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func readDocument(c *gin.Context) ([]byte, string, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		header, err := c.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("multipart form needs a file part: %w", err)
		}
		f, err := header.Open()
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		return data, header.Filename, err
	}
	data, err := io.ReadAll(c.Request.Body)
	return data, "", err
}

func boolQuery(c *gin.Context, key string) (bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return v, nil
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return v, nil
}
