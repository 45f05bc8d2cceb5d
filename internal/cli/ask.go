package cli

import (
	"fmt"
	"os"

	"github.com/raphaelgruber/recall/internal/models"
	"github.com/spf13/cobra"
)

var (
	askLimit      int
	askOutputFile string
	askSources    bool

	contextLimit    int
	contextMinScore float64
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question and get an LLM-synthesized answer",
	Long: `Ask a question about your recorded activity and get an LLM-synthesized answer.

Retrieves the most relevant episodes and frames, assembles them into a
context block, and asks the configured LLM to answer from that context only.

Examples:
  recall ask "Which PR was I reviewing yesterday afternoon?"
  recall ask "What did I read about connection pooling?" --sources
  recall ask "Summarize my Figma work" -o summary.md`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Print the context block an assistant would receive",
	Long: `Print the assembled context block for a query.

Episodes are listed before frames. When nothing matches, a fixed
"no relevant activity" text is printed instead.

Examples:
  recall context "terraform plan"
  recall context "standup notes" --limit 3`,
	Args: cobra.ExactArgs(1),
	RunE: runContext,
}

func init() {
	askCmd.Flags().IntVarP(&askLimit, "limit", "n", models.DefaultLimit, "max context results per kind")
	askCmd.Flags().StringVarP(&askOutputFile, "output", "o", "", "write output to file")
	askCmd.Flags().BoolVar(&askSources, "sources", false, "list the results the answer was based on")

	contextCmd.Flags().IntVarP(&contextLimit, "limit", "n", models.DefaultLimit, "max results per kind (1-100)")
	contextCmd.Flags().Float64Var(&contextMinScore, "min-score", 0, "drop results scoring below this value")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	resp, err := apiClient.Ask(ctx, models.Query{QueryText: args[0], Limit: askLimit})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if resp.Response != nil {
		printWarning(cmd, resp.Response)
	}

	if askOutputFile != "" {
		if err := os.WriteFile(askOutputFile, []byte(resp.Answer+"\n"), 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		printf(cmd, "Answer written to %s\n", askOutputFile)
	} else {
		printf(cmd, "%s\n", resp.Answer)
	}

	if askSources && resp.Response != nil && resp.Response.Count > 0 {
		printf(cmd, "\nSources:\n")
		for i, r := range resp.Response.Results {
			printf(cmd, "%d. %s\n", i+1, describeResult(r))
		}
	}
	return nil
}

func runContext(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	q := buildQuery(cmd, args[0], contextLimit, contextMinScore)

	resp, err := apiClient.Context(ctx, q)
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}
	if resp.Warning != "" {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Note: %s\n\n", resp.Warning)
	}
	printf(cmd, "%s\n", resp.Context)
	return nil
}
