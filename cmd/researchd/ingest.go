package researchd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/6chenhua/research-agent-backend/pkg/connector"
	"github.com/6chenhua/research-agent-backend/pkg/ingest"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file | arxiv:<id> | url>",
	Short: "Ingest a document into the knowledge graph",
	Long: `Ingest a local file synchronously, or fetch an arXiv paper or URL through
the literature connector and wait for the download job to finish.

Ingestion is idempotent per namespace and source ref: running the same
command twice reports the document as already ingested.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().String("source-ref", "", "source ref recorded for the document (default: the file name)")
	ingestCmd.Flags().String("title", "", "document title")
	ingestCmd.Flags().Bool("global", false, "write to the global namespace")
	ingestCmd.Flags().Duration("timeout", 10*time.Minute, "how long to wait for a download job")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	target := args[0]
	user := userFlag(cmd)
	sourceRef, _ := cmd.Flags().GetString("source-ref")
	title, _ := cmd.Flags().GetString("title")
	toGlobal, _ := cmd.Flags().GetBool("global")

	if connector.IsArxivRef(target) || connector.IsURLRef(target) {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return a.runDownloadJob(ctx, cmd, user, toGlobal, target, title, timeout)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", target, err)
	}
	if sourceRef == "" {
		sourceRef = "file:" + filepath.Base(target)
	}
	report, err := a.core.IngestForUser(ctx, data, user, toGlobal, ingest.SourceMetadata{
		SourceRef:  sourceRef,
		Title:      title,
		SourceType: "file",
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

func (a *app) runDownloadJob(ctx context.Context, cmd *cobra.Command, user string, toGlobal bool, ref, title string, timeout time.Duration) error {
	if err := a.core.Start(ctx); err != nil {
		return err
	}

	jobID, err := a.core.EnqueueIngestionJob(ctx, user, toGlobal, types.JobRequest{
		SourceRef: ref,
		Kind:      types.JobDownload,
		Title:     title,
	})
	if err != nil && !errors.Is(err, types.ErrDuplicateJob) {
		return err
	}
	a.logger.Info("download job queued", "job_id", jobID, "source_ref", ref)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := a.core.GetJobStatus(ctx, user, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			if err := printJSON(cmd.OutOrStdout(), job); err != nil {
				return err
			}
			if job.Status != types.JobSucceeded {
				return fmt.Errorf("job %s %s: %s", job.JobID, job.Status, job.LastError)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}
