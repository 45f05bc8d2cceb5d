package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/recall/internal/models"
)

// NoRelevantContext is returned by the assemblers when nothing matched.
const NoRelevantContext = "No relevant activity found for this query."

// MatchSemantic and MatchKeyword label how the listed items were selected.
const (
	MatchSemantic = "semantically matched"
	MatchKeyword  = "keyword matched"
)

// AssembleContext renders ranked episodes and frames as a prompt-ready
// context block. Episodes always precede frames.
func AssembleContext(episodes, frames []models.Result, episodeLimit, frameLimit int, loc *time.Location) string {
	return assemble(episodes, frames, episodeLimit, frameLimit, loc, MatchSemantic)
}

// AssembleKeywordContext is AssembleContext for keyword-tier results.
func AssembleKeywordContext(episodes, frames []models.Result, episodeLimit, frameLimit int, loc *time.Location) string {
	return assemble(episodes, frames, episodeLimit, frameLimit, loc, MatchKeyword)
}

func assemble(episodes, frames []models.Result, episodeLimit, frameLimit int, loc *time.Location, match string) string {
	episodes = head(episodes, episodeLimit)
	frames = head(frames, frameLimit)

	var parts []string
	if len(episodes) > 0 {
		parts = append(parts, fmt.Sprintf("Relevant Activity Episodes (%s):", match))
		for _, r := range episodes {
			if r.Episode != nil {
				parts = append(parts, episodeLine(r.Episode, loc))
			}
		}
	}
	if len(frames) > 0 {
		parts = append(parts, fmt.Sprintf("\nRelevant Screenshots (%s):", match))
		for _, r := range frames {
			if r.Frame != nil {
				parts = append(parts, frameLine(r.Frame, loc))
			}
		}
	}

	if len(parts) == 0 {
		return NoRelevantContext
	}
	return strings.Join(parts, "\n")
}

func head(results []models.Result, limit int) []models.Result {
	if limit < 0 {
		return nil
	}
	return results[:min(len(results), limit)]
}

func episodeLine(e *models.Episode, loc *time.Location) string {
	summary := "No summary available"
	if e.Summary != nil && *e.Summary != "" {
		summary = *e.Summary
	}
	line := fmt.Sprintf("- %s: %s", e.AppName, summary)
	if e.StartTS > 0 {
		line += fmt.Sprintf(" (Started: %s)", models.FormatTS(e.StartTS, loc))
	}
	if !e.Open && e.EndTS > 0 {
		line += fmt.Sprintf(" (Ended: %s)", models.FormatTS(e.EndTS, loc))
	}
	return line
}

func frameLine(f *models.Frame, loc *time.Location) string {
	line := "- " + f.AppName
	if f.WindowTitle != nil && *f.WindowTitle != "" && *f.WindowTitle != "N/A" {
		line += " - " + *f.WindowTitle
	}
	if f.Timestamp > 0 {
		line += fmt.Sprintf(" (%s)", models.FormatTS(f.Timestamp, loc))
	}
	if f.ImageRef != nil && *f.ImageRef != "" {
		line += fmt.Sprintf(" [Image: %s]", *f.ImageRef)
	}
	return line
}
