// Package cli provides the command-line interface for recall.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/raphaelgruber/recall/internal/client"
	"github.com/raphaelgruber/recall/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	serverURL string

	// Global config and API client
	cfg       config.Config
	apiClient *client.Client
	logger    *slog.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Search what you have seen on screen",
	Long: `Recall records screen activity into episodes and lets you search it
by meaning.

Capture agents report frames per source; consecutive frames of the same app
are grouped into episodes. Queries rank episodes and frames by semantic
similarity, optionally reranked, and fall back to keyword matching when the
embedding provider is unavailable.

All commands talk to a running recall-server (see --server).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger, _ = config.SetupLogger("recall-cli", "", level)

		url := serverURL
		if url == "" {
			url = cfg.ServerURL
		}
		apiClient = client.New(url)
		logger.Debug("using server", "url", apiClient.BaseURL())
		return nil
	},
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "recall-server URL (default $RECALL_SERVER_URL)")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(episodeCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(jobsCmd)
}

// out is where commands print results.
func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}

// commandContext returns the command's context, or Background when run
// without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// printf writes formatted output, ignoring write errors like fmt.Printf.
func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(out(cmd), format, args...)
}
