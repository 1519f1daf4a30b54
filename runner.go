package researchagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/6chenhua/research-agent-backend/pkg/connector"
	"github.com/6chenhua/research-agent-backend/pkg/ingest"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// DefaultExternalResults is how many papers an external_query job ingests.
const DefaultExternalResults = 5

// ErrNoConnector is returned by jobs that need external literature when none
// is configured.
var ErrNoConnector = errors.New("no literature connector configured")

// Ingester is the part of the pipeline the runner drives.
type Ingester interface {
	Ingest(ctx context.Context, data []byte, ns string, meta ingest.SourceMetadata) (*types.IngestReport, error)
}

// JobRunner executes ingestion jobs for the scheduler. Document jobs feed
// their payload to the pipeline, download jobs fetch the source first and
// external_query jobs search external literature and ingest every hit.
type JobRunner struct {
	ingester   Ingester
	connector  connector.Connector
	maxResults int
	logger     *slog.Logger
}

// NewJobRunner creates a runner. conn may be nil, in which case download and
// external_query jobs fail permanently.
func NewJobRunner(ingester Ingester, conn connector.Connector, maxResults int, logger *slog.Logger) *JobRunner {
	if maxResults <= 0 {
		maxResults = DefaultExternalResults
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRunner{
		ingester:   ingester,
		connector:  conn,
		maxResults: maxResults,
		logger:     logger,
	}
}

// Run implements scheduler.Runner.
func (r *JobRunner) Run(ctx context.Context, job *types.IngestionJob, payload []byte) error {
	logger := r.logger.With("job_id", job.JobID, "namespace", job.Namespace, "kind", job.Kind)

	switch job.Kind {
	case types.JobDocument:
		meta := ingest.SourceMetadata{SourceRef: job.SourceRef, Title: job.Title}
		report, err := r.ingester.Ingest(ctx, payload, job.Namespace, meta)
		if err != nil {
			return err
		}
		logReport(logger, report)
		return nil
	case types.JobDownload:
		return r.runDownload(ctx, job, logger)
	case types.JobExternalQuery:
		return r.runExternalQuery(ctx, job, logger)
	default:
		return fmt.Errorf("%w: unknown job kind %q", types.ErrParseFailure, job.Kind)
	}
}

func (r *JobRunner) runDownload(ctx context.Context, job *types.IngestionJob, logger *slog.Logger) error {
	if r.connector == nil {
		return ErrNoConnector
	}

	// arXiv ids resolve through the metadata API and ingest title and
	// abstract; anything else is fetched as-is and handed to the parser.
	if connector.IsArxivRef(job.SourceRef) {
		paper, err := r.connector.Lookup(ctx, job.SourceRef)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", job.SourceRef, err)
		}
		report, err := r.ingester.Ingest(ctx, []byte(paper.Text()), job.Namespace, paperMetadata(job.SourceRef, paper))
		if err != nil {
			return err
		}
		logReport(logger, report)
		return nil
	}

	data, err := r.connector.DownloadPdf(ctx, job.SourceRef)
	if err != nil {
		return fmt.Errorf("download %s: %w", job.SourceRef, err)
	}
	meta := ingest.SourceMetadata{
		SourceRef:  job.SourceRef,
		Title:      job.Title,
		SourceType: "download",
		URL:        job.SourceRef,
	}
	report, err := r.ingester.Ingest(ctx, data, job.Namespace, meta)
	if err != nil {
		return err
	}
	logReport(logger, report)
	return nil
}

func (r *JobRunner) runExternalQuery(ctx context.Context, job *types.IngestionJob, logger *slog.Logger) error {
	if r.connector == nil {
		return ErrNoConnector
	}
	query := strings.TrimPrefix(job.SourceRef, types.ExternalQueryPrefix)
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: external query is empty", types.ErrInvalidIdentifier)
	}

	papers, err := r.connector.SearchExternal(ctx, query, r.maxResults)
	if err != nil {
		return fmt.Errorf("external search: %w", err)
	}
	if len(papers) == 0 {
		logger.Info("external search returned no papers", "query", query)
		return nil
	}

	var (
		ingested int
		failures []error
	)
	for i := range papers {
		paper := &papers[i]
		ref := paper.DownloadRef
		if ref == "" {
			ref = connector.ArxivRefPrefix + paper.ID
		}
		report, err := r.ingester.Ingest(ctx, []byte(paper.Text()), job.Namespace, paperMetadata(ref, paper))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("failed to ingest external paper", "source_ref", ref, "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", ref, err))
			continue
		}
		ingested++
		logReport(logger, report)
	}

	logger.Info("external query ingested", "query", query, "papers", len(papers), "ingested", ingested)
	if ingested > 0 {
		return nil
	}
	// Retry when any paper might succeed next time.
	var transient []error
	for _, err := range failures {
		if types.IsTransient(err) {
			transient = append(transient, err)
		}
	}
	if len(transient) > 0 {
		return errors.Join(transient...)
	}
	return errors.Join(failures...)
}

func paperMetadata(ref string, paper *connector.ExternalPaper) ingest.SourceMetadata {
	meta := ingest.SourceMetadata{
		SourceRef:  ref,
		Title:      paper.Title,
		SourceType: "abstract",
		Authors:    paper.Authors,
		URL:        paper.PDFURL,
	}
	if len(paper.Categories) > 0 {
		meta.Extra = map[string]string{"categories": strings.Join(paper.Categories, ",")}
	}
	return meta
}

func logReport(logger *slog.Logger, report *types.IngestReport) {
	if report == nil {
		return
	}
	logger.Info("ingestion finished",
		"source_ref", report.SourceRef,
		"episodes", report.EpisodeCount,
		"entities", report.EntityCount,
		"relations", report.RelationCount,
		"deduped", report.DedupedCount,
		"already_ingested", report.AlreadyIngested)
}
