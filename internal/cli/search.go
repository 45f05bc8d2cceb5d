package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/raphaelgruber/recall/internal/models"
	"github.com/spf13/cobra"
)

var (
	searchLimit    int
	searchMinScore float64
	searchJSON     bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search recorded activity without LLM synthesis",
	Long: `Search recorded activity by semantic similarity.

Returns matching episodes followed by matching frames, each group ranked by
relevance. When the embedding provider is unavailable the server answers
from keyword matches and marks the response as degraded.
Use 'ask' command for LLM-augmented responses.

Examples:
  recall search "pull request review"
  recall search "invoice" --limit 5
  recall search "kubernetes dashboard" --min-score 0.4 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", models.DefaultLimit, "max results per kind (1-100)")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "drop results scoring below this value")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "print the raw response as JSON")
}

// buildQuery applies the shared query flags of a command.
func buildQuery(cmd *cobra.Command, text string, limit int, minScore float64) models.Query {
	q := models.Query{QueryText: text, Limit: limit}
	if cmd.Flags().Changed("min-score") {
		q.MinScore = &minScore
	}
	return q
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	q := buildQuery(cmd, args[0], searchLimit, searchMinScore)

	resp, err := apiClient.Search(ctx, q)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if searchJSON {
		enc := json.NewEncoder(out(cmd))
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	printWarning(cmd, resp)
	if resp.Count == 0 {
		printf(cmd, "No results found.\n")
		return nil
	}

	printf(cmd, "Found %d results:\n\n", resp.Count)
	for i, r := range resp.Results {
		printf(cmd, "%d. %s\n", i+1, describeResult(r))
		if verbose {
			printf(cmd, "   id: %s\n", r.ID)
			if r.RerankScore != nil {
				printf(cmd, "   similarity: %.3f  rerank: %.3f\n", r.Similarity, *r.RerankScore)
			}
		}
		printf(cmd, "\n")
	}
	return nil
}

// describeResult renders a result on one line with its score.
func describeResult(r models.Result) string {
	switch {
	case r.Episode != nil:
		e := r.Episode
		line := fmt.Sprintf("[episode] %s  %s (%d frames)  score %.3f",
			e.AppName, models.FormatTS(e.StartTS, nil), e.FrameCount, r.Score)
		if e.Summary != nil && *e.Summary != "" {
			line += "\n   " + truncate(*e.Summary, 100)
		}
		return line
	case r.Frame != nil:
		f := r.Frame
		line := fmt.Sprintf("[frame] %s  %s  score %.3f", f.AppName, models.FormatTS(f.Timestamp, nil), r.Score)
		if f.WindowTitle != nil && *f.WindowTitle != "" {
			line += "\n   " + truncate(*f.WindowTitle, 100)
		}
		if r.CrossModal {
			line += "\n   (image match)"
		}
		return line
	}
	return fmt.Sprintf("[%s] %s  score %.3f", r.Kind, r.ID, r.Score)
}

func printWarning(cmd *cobra.Command, resp *models.Response) {
	if resp.Warning != "" {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Note: %s\n\n", resp.Warning)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
