package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/raphaelgruber/recall/internal/service"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	backfillLimit  int
	backfillNoWait bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed closed episodes and frames that have no vector yet",
	Long: `Start a background job that embeds closed episodes and frames
stored without a vector, for example after the embedding provider was down.

On a terminal the command shows a progress bar; press Ctrl+C to leave the
job running on the server.

Examples:
  recall backfill
  recall backfill --limit 500
  recall backfill --no-wait`,
	Args: cobra.NoArgs,
	RunE: runBackfill,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect background jobs",
	Long: `List all background jobs or inspect a specific job by ID.

Examples:
  recall jobs           # List all jobs
  recall jobs abc123    # Show details for job abc123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	backfillCmd.Flags().IntVar(&backfillLimit, "limit", 0, "max episodes and frames to embed (0 = all)")
	backfillCmd.Flags().BoolVar(&backfillNoWait, "no-wait", false, "return after starting the job")
}

func runBackfill(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	job, err := apiClient.Backfill(ctx, backfillLimit)
	if err != nil {
		return fmt.Errorf("start backfill: %w", err)
	}

	if backfillNoWait {
		printf(cmd, "Started job %s\nUse 'recall jobs %s' to check status.\n", job.ID, job.ID)
		return nil
	}

	if f, ok := out(cmd).(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return RunJobProgress(apiClient, job)
	}
	return waitJob(ctx, cmd, job.ID)
}

// waitJob polls a job until it finishes, for non-interactive output.
func waitJob(ctx context.Context, cmd *cobra.Command, id string) error {
	ticker := time.NewTicker(pollInterval / 10)
	defer ticker.Stop()

	for {
		job, err := apiClient.Job(ctx, id)
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		switch job.Status {
		case service.JobStatusCompleted:
			printf(cmd, "Job %s completed\n", job.ID)
			if job.Result != nil {
				printf(cmd, "%s", formatBackfillResult(job.Result))
			}
			return nil
		case service.JobStatusFailed:
			return fmt.Errorf("job %s failed: %w", job.ID, jobError(job))
		}

		select {
		case <-ctx.Done():
			printf(cmd, "Job %s continues in background.\n", id)
			return nil
		case <-ticker.C:
		}
	}
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	if len(args) == 1 {
		return showJob(ctx, cmd, args[0])
	}
	return listJobs(ctx, cmd)
}

func listJobs(ctx context.Context, cmd *cobra.Command) error {
	jobs, err := apiClient.Jobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		printf(cmd, "No jobs found\n")
		return nil
	}

	printf(cmd, "%-10s %-10s %-12s %-10s %s\n", "ID", "TYPE", "STATUS", "PROGRESS", "STARTED")
	printf(cmd, "------------------------------------------------------------------------\n")

	for i := range jobs {
		job := &jobs[i]
		progress := ""
		if job.Total > 0 {
			progress = fmt.Sprintf("%d/%d", job.Progress, job.Total)
		}
		started := job.StartedAt.Format("15:04:05")
		printf(cmd, "%-10s %-10s %-12s %-10s %s\n", job.ID, job.Type, job.Status, progress, started)
	}
	return nil
}

func showJob(ctx context.Context, cmd *cobra.Command, id string) error {
	job, err := apiClient.Job(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	printf(cmd, "Job: %s\n", job.ID)
	printf(cmd, "  Type: %s\n", job.Type)
	printf(cmd, "  Status: %s\n", job.Status)
	if job.Total > 0 {
		printf(cmd, "  Progress: %d/%d\n", job.Progress, job.Total)
	}
	printf(cmd, "  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		printf(cmd, "  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		printf(cmd, "  Duration: %s\n", job.CompletedAt.Sub(job.StartedAt).Round(time.Millisecond))
	}
	if job.Error != "" {
		printf(cmd, "  Error: %s\n", job.Error)
	}
	if job.Result != nil {
		printf(cmd, "\nResult:\n%s", formatBackfillResult(job.Result))
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	stats, err := apiClient.Stats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	if verbose {
		enc := json.NewEncoder(out(cmd))
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	printf(cmd, "Store: %s\n", stats.Store)
	if stats.EmbedModel != "" {
		printf(cmd, "Embedding model: %s\n", stats.EmbedModel)
	}
	if stats.ImageModel != "" {
		printf(cmd, "Image model: %s\n", stats.ImageModel)
	}
	printf(cmd, "Reranking: %t\n", stats.RerankEnabled)
	printf(cmd, "Open sources: %d\n", stats.Sources)
	printf(cmd, "Jobs: %d\n", stats.Jobs)
	ix := stats.Indexer
	printf(cmd, "Indexer: %d queued, %d done, %d failed, %d dropped\n", ix.Queued, ix.Done, ix.Failed, ix.Dropped)
	printf(cmd, "Uptime: %s\n", (time.Duration(stats.Metrics.UptimeSeconds) * time.Second).String())
	return nil
}
