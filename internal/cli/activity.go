package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/service"
	"github.com/spf13/cobra"
)

var (
	recordSource    string
	recordApp       string
	recordTitle     string
	recordImage     string
	recordTimestamp int64

	observeSource string

	recentLimit int
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a single capture",
	Long: `Record one capture for a source.

The frame joins the source's open episode when the app matches, otherwise
it starts a new episode. Timestamps are Unix milliseconds and default to now.

Examples:
  recall record --source laptop --app Chrome --title "Pull requests"
  recall record --source laptop --app Figma --image s3://shots/123.png --ts 1718000000000`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Stream captures from stdin over a live connection",
	Long: `Read captures as JSON lines from stdin and stream them to the server.

Each line is an object with app_name and optional timestamp, window_title,
image_ref and frame_id fields. The source's open episode is closed when
the input ends or the command is interrupted.

Rejected lines (out of order or invalid) are reported and skipped.

Examples:
  capture-agent | recall observe --source laptop
  echo '{"app_name":"Terminal"}' | recall observe --source laptop`,
	Args: cobra.NoArgs,
	RunE: runObserve,
}

var closeCmd = &cobra.Command{
	Use:   "close <source-id>",
	Short: "Close the open episode of a source",
	Args:  cobra.ExactArgs(1),
	RunE:  runClose,
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List sources with an open episode",
	Args:  cobra.NoArgs,
	RunE:  runSources,
}

var episodeCmd = &cobra.Command{
	Use:   "episode <episode-id>",
	Short: "Show an episode and its frames",
	Args:  cobra.ExactArgs(1),
	RunE:  runEpisode,
}

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the most recent episodes",
	Args:  cobra.NoArgs,
	RunE:  runRecent,
}

func init() {
	recordCmd.Flags().StringVarP(&recordSource, "source", "s", "", "capture source id (required)")
	recordCmd.Flags().StringVarP(&recordApp, "app", "a", "", "foreground app name")
	recordCmd.Flags().StringVarP(&recordTitle, "title", "t", "", "window title")
	recordCmd.Flags().StringVar(&recordImage, "image", "", "screenshot reference (URL or path)")
	recordCmd.Flags().Int64Var(&recordTimestamp, "ts", 0, "capture time in Unix milliseconds (default now)")
	_ = recordCmd.MarkFlagRequired("source")

	observeCmd.Flags().StringVarP(&observeSource, "source", "s", "", "capture source id (required)")
	_ = observeCmd.MarkFlagRequired("source")

	recentCmd.Flags().IntVarP(&recentLimit, "limit", "n", 10, "max episodes")
}

func runRecord(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	in := service.RecordInput{SourceID: recordSource, AppName: recordApp}
	if recordTitle != "" {
		in.WindowTitle = &recordTitle
	}
	if recordImage != "" {
		in.ImageRef = &recordImage
	}
	if cmd.Flags().Changed("ts") {
		in.Timestamp = &recordTimestamp
	}

	res, err := apiClient.Record(ctx, in)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	printf(cmd, "Recorded frame %s in episode %s\n", res.FrameID, res.EpisodeID)
	return nil
}

func runObserve(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	stream, err := apiClient.OpenStream(ctx, observeSource)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			logger.Debug("close stream", "error", err)
		}
	}()
	logger.Debug("stream opened", "source", observeSource)

	var sent, rejected int
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var in service.RecordInput
		if err := json.Unmarshal([]byte(text), &in); err != nil {
			rejected++
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "line %d: invalid JSON: %v\n", line, err)
			continue
		}

		res, err := stream.Send(ctx, in)
		switch {
		case err == nil:
			sent++
			if verbose {
				printf(cmd, "frame %s -> episode %s\n", res.FrameID, res.EpisodeID)
			}
		case errors.Is(err, models.ErrOutOfOrder), errors.Is(err, models.ErrValidation):
			rejected++
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %v\n", line, err)
		default:
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	printf(cmd, "Sent %d captures for %s", sent, observeSource)
	if rejected > 0 {
		printf(cmd, " (%d rejected)", rejected)
	}
	printf(cmd, "\n")
	return nil
}

func runClose(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	res, err := apiClient.CloseSource(ctx, args[0])
	if err != nil {
		return fmt.Errorf("close source: %w", err)
	}
	if !res.Closed {
		printf(cmd, "No open episode for source %s\n", res.SourceID)
		return nil
	}
	printf(cmd, "Closed episode %s\n", res.EpisodeID)
	return nil
}

func runSources(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	sources, err := apiClient.Sources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	if len(sources) == 0 {
		printf(cmd, "No open episodes\n")
		return nil
	}

	printf(cmd, "%-16s %-20s %-38s %s\n", "SOURCE", "APP", "EPISODE", "LAST SEEN")
	printf(cmd, "------------------------------------------------------------------------------------------\n")
	for _, s := range sources {
		printf(cmd, "%-16s %-20s %-38s %s\n", s.SourceID, s.AppName, s.EpisodeID, models.FormatTS(s.LastTS, nil))
	}
	return nil
}

func runEpisode(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	detail, err := apiClient.Episode(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get episode: %w", err)
	}

	e := detail.Episode
	printf(cmd, "Episode: %s\n", e.ID)
	printf(cmd, "  Source: %s\n", e.SourceID)
	printf(cmd, "  App: %s\n", e.AppName)
	printf(cmd, "  Started: %s\n", models.FormatTS(e.StartTS, nil))
	printf(cmd, "  Ended: %s\n", models.FormatTS(e.EndTS, nil))
	printf(cmd, "  Duration: %s\n", (time.Duration(e.EndTS-e.StartTS) * time.Millisecond).Round(time.Second))
	printf(cmd, "  Frames: %d\n", e.FrameCount)
	if e.Open {
		printf(cmd, "  Status: open\n")
	} else {
		printf(cmd, "  Status: closed\n")
	}
	if e.Summary != nil && *e.Summary != "" {
		printf(cmd, "  Summary: %s\n", *e.Summary)
	}

	if len(detail.Frames) > 0 {
		printf(cmd, "\nFrames:\n")
		for _, f := range detail.Frames {
			title := ""
			if f.WindowTitle != nil {
				title = *f.WindowTitle
			}
			printf(cmd, "  %s  %s  %s\n", models.FormatTS(f.Timestamp, nil), f.ID, title)
		}
	}
	return nil
}

func runRecent(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	episodes, err := apiClient.Recent(ctx, recentLimit)
	if err != nil {
		return fmt.Errorf("list episodes: %w", err)
	}
	if len(episodes) == 0 {
		printf(cmd, "No episodes recorded\n")
		return nil
	}

	printf(cmd, "%-38s %-20s %-8s %-20s %s\n", "ID", "APP", "FRAMES", "STARTED", "STATUS")
	printf(cmd, "------------------------------------------------------------------------------------------------\n")
	for _, e := range episodes {
		status := "closed"
		if e.Open {
			status = "open"
		}
		printf(cmd, "%-38s %-20s %-8d %-20s %s\n", e.ID, e.AppName, e.FrameCount, models.FormatTS(e.StartTS, nil), status)
	}
	return nil
}
