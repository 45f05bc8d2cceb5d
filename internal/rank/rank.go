// Package rank scores candidates against a query vector.
package rank

import (
	"cmp"
	"math"
	"slices"

	"github.com/raphaelgruber/recall/internal/models"
)

// Cosine returns the cosine similarity of a and b.
// Empty, zero-magnitude or differently sized vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return max(-1, min(1, s))
}

// Rank scores each candidate against query and returns them sorted by
// score descending. Equal scores put the more recent timestamp first, then
// the smaller id.
func Rank(query []float32, candidates []models.Result) []models.Result {
	out := make([]models.Result, len(candidates))
	for i, c := range candidates {
		c.Similarity = Cosine(query, c.Vector())
		c.Score = c.Similarity
		out[i] = c
	}
	Sort(out)
	return out
}

// Sort orders results by Score descending with the recency tie-break.
func Sort(results []models.Result) {
	slices.SortStableFunc(results, func(a, b models.Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// FilterMinScore keeps results whose score is at least minScore.
// A nil minScore keeps everything.
func FilterMinScore(results []models.Result, minScore *float64) []models.Result {
	if minScore == nil {
		return results
	}
	out := results[:0:0]
	for _, r := range results {
		if r.Score >= *minScore {
			out = append(out, r)
		}
	}
	return out
}
