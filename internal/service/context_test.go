package service

import (
	"strings"
	"testing"
	"time"

	"github.com/raphaelgruber/recall/internal/models"
	"github.com/stretchr/testify/assert"
)

// 2024-01-15 10:00:00 UTC
const baseTS int64 = 1705312800000

func episodeHit(id, app string, summary *string, open bool) models.Result {
	return models.EpisodeResult(models.Episode{
		ID:       id,
		AppName:  app,
		Summary:  summary,
		StartTS:  baseTS,
		EndTS:    baseTS + 5*60_000,
		Open:     open,
	})
}

func frameHit(id, app string, title, image *string) models.Result {
	return models.FrameResult(models.Frame{
		ID:          id,
		AppName:     app,
		Timestamp:   baseTS + 90_000,
		WindowTitle: title,
		ImageRef:    image,
	})
}

func TestAssembleContextEmpty(t *testing.T) {
	assert.Equal(t, NoRelevantContext, AssembleContext(nil, nil, 5, 5, time.UTC))
	assert.Equal(t, NoRelevantContext, AssembleKeywordContext(nil, nil, 5, 5, time.UTC))

	eps := []models.Result{episodeHit("e1", "Chrome", nil, false)}
	assert.Equal(t, NoRelevantContext, AssembleContext(eps, nil, 0, 0, time.UTC), "zero limits show nothing")
}

func TestAssembleContextLayout(t *testing.T) {
	eps := []models.Result{
		episodeHit("e1", "Chrome", models.Ptr("Reading docs"), false),
		episodeHit("e2", "Slack", nil, true),
	}
	frames := []models.Result{
		frameHit("f1", "Chrome", models.Ptr("Go Docs"), models.Ptr("https://img/f1.png")),
		frameHit("f2", "Terminal", models.Ptr("N/A"), nil),
		frameHit("f3", "Finder", nil, nil),
	}

	got := AssembleContext(eps, frames, 10, 10, time.UTC)
	want := strings.Join([]string{
		"Relevant Activity Episodes (semantically matched):",
		"- Chrome: Reading docs (Started: 2024-01-15 10:00:00) (Ended: 2024-01-15 10:05:00)",
		"- Slack: No summary available (Started: 2024-01-15 10:00:00)",
		"",
		"Relevant Screenshots (semantically matched):",
		"- Chrome - Go Docs (2024-01-15 10:01:30) [Image: https://img/f1.png]",
		"- Terminal (2024-01-15 10:01:30)",
		"- Finder (2024-01-15 10:01:30)",
	}, "\n")
	assert.Equal(t, want, got)
}

func TestAssembleContextFramesOnly(t *testing.T) {
	frames := []models.Result{frameHit("f1", "Chrome", nil, nil)}
	got := AssembleContext(nil, frames, 5, 5, time.UTC)
	assert.Equal(t, "\nRelevant Screenshots (semantically matched):\n- Chrome (2024-01-15 10:01:30)", got)
}

func TestAssembleContextTruncates(t *testing.T) {
	eps := []models.Result{
		episodeHit("e1", "A", nil, false),
		episodeHit("e2", "B", nil, false),
		episodeHit("e3", "C", nil, false),
	}
	frames := []models.Result{
		frameHit("f1", "X", nil, nil),
		frameHit("f2", "Y", nil, nil),
	}
	got := AssembleContext(eps, frames, 2, 1, time.UTC)
	assert.Contains(t, got, "- A:")
	assert.Contains(t, got, "- B:")
	assert.NotContains(t, got, "- C:")
	assert.Contains(t, got, "- X (")
	assert.NotContains(t, got, "- Y (")
	assert.Less(t, strings.Index(got, "- B:"), strings.Index(got, "- X ("), "episodes precede frames")
}

func TestAssembleContextTimezone(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	eps := []models.Result{episodeHit("e1", "Chrome", nil, true)}
	got := AssembleContext(eps, nil, 1, 1, tokyo)
	assert.Contains(t, got, "(Started: 2024-01-15 19:00:00)")
}

func TestAssembleKeywordContextHeaders(t *testing.T) {
	eps := []models.Result{episodeHit("e1", "Chrome", nil, false)}
	frames := []models.Result{frameHit("f1", "Chrome", nil, nil)}
	got := AssembleKeywordContext(eps, frames, 5, 5, time.UTC)
	assert.True(t, strings.HasPrefix(got, "Relevant Activity Episodes (keyword matched):"))
	assert.Contains(t, got, "\nRelevant Screenshots (keyword matched):")
	assert.NotContains(t, got, MatchSemantic)
}
