package service

import (
	"context"
	"strings"

	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/rank"
)

// keywordSearch is the degraded tier used when the query cannot be embedded
// or nothing in the recency windows has a vector.
// It matches query terms against the same recency windows, ignoring vectors.
func (s *SearchService) keywordSearch(ctx context.Context, q models.Query) (*models.Response, error) {
	ctx, span := tracer.Start(ctx, "search.keyword")
	defer span.End()

	c, err := s.fetchCandidates(ctx, false)
	if err != nil {
		return nil, err
	}

	terms := queryTerms(q.QueryText)
	var episodes, frames []models.Result
	for _, e := range c.episodes {
		text := e.AppName
		if e.Summary != nil {
			text += " " + *e.Summary
		}
		if score := termScore(terms, text); score > 0 {
			r := models.EpisodeResult(e)
			r.Score = score
			episodes = append(episodes, r)
		}
	}
	for _, f := range c.frames {
		text := f.AppName
		if f.WindowTitle != nil {
			text += " " + *f.WindowTitle
		}
		if score := termScore(terms, text); score > 0 {
			r := models.FrameResult(f)
			r.Score = score
			frames = append(frames, r)
		}
	}

	rank.Sort(episodes)
	rank.Sort(frames)
	episodes = head(rank.FilterMinScore(episodes, q.MinScore), q.Limit)
	frames = head(rank.FilterMinScore(frames, q.MinScore), q.Limit)

	warnings := append([]string{WarnKeywordFallback}, c.warnings...)
	resp := s.respond(q, episodes, frames, warnings)
	resp.Context = AssembleKeywordContext(episodes, frames, q.Limit, q.Limit, s.opts.Location)
	return resp, nil
}

// queryTerms lowercases and deduplicates the whitespace-separated query terms.
func queryTerms(query string) []string {
	seen := map[string]bool{}
	var terms []string
	for _, t := range strings.Fields(strings.ToLower(query)) {
		t = strings.Trim(t, `.,;:!?"'()[]{}`)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
	}
	return terms
}

// termScore is the fraction of terms found as substrings of text.
func termScore(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	text = strings.ToLower(text)
	hits := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
