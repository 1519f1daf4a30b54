// Package connector talks to external literature sources.
//
// The only built-in source is arXiv. Escalation jobs use SearchExternal to
// find papers for a query the graph could not answer, and download jobs use
// Lookup or DownloadPdf to fetch a single paper.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ArxivRefPrefix marks source refs that name an arXiv paper.
const ArxivRefPrefix = "arxiv:"

var (
	// ErrNotFound is returned when the source has no such paper.
	ErrNotFound = errors.New("paper not found")
	// ErrUnsupportedRef is returned for refs the connector cannot resolve.
	ErrUnsupportedRef = errors.New("unsupported source ref")
	// ErrTooLarge is returned when a download exceeds the size limit.
	ErrTooLarge = errors.New("download exceeds size limit")
)

// ExternalPaper is one search hit from an external literature source.
type ExternalPaper struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Abstract    string    `json:"abstract"`
	Authors     []string  `json:"authors,omitempty"`
	Categories  []string  `json:"categories,omitempty"`
	Published   time.Time `json:"published"`
	PDFURL      string    `json:"pdf_url,omitempty"`
	DownloadRef string    `json:"download_ref"`
}

// Text renders the title and abstract as a small document suitable for
// ingestion when the full text is not available.
func (p *ExternalPaper) Text() string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(p.Title)
	b.WriteString("\n\n## Abstract\n")
	b.WriteString(p.Abstract)
	b.WriteString("\n")
	return b.String()
}

// Connector is an external literature source.
type Connector interface {
	SearchExternal(ctx context.Context, query string, maxResults int) ([]ExternalPaper, error)
	Lookup(ctx context.Context, ref string) (*ExternalPaper, error)
	DownloadPdf(ctx context.Context, ref string) ([]byte, error)
}

// StatusError is a non-2xx response from an external source.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether the request is worth retrying later.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// HTTPStatusCode exposes the status for retry classification.
func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// IsArxivRef reports whether ref names an arXiv paper.
func IsArxivRef(ref string) bool {
	return strings.HasPrefix(ref, ArxivRefPrefix) && len(ref) > len(ArxivRefPrefix)
}

// IsURLRef reports whether ref is a direct http(s) link.
func IsURLRef(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
