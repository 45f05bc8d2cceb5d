package models

import "fmt"

// Query limits.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Query is the input of the query surface.
type Query struct {
	QueryText string   `json:"query_text"`
	Limit     int      `json:"limit,omitempty"`
	MinScore  *float64 `json:"min_score,omitempty"`
}

// Normalize validates the query and fills in the default limit.
func (q *Query) Normalize() error {
	if q.QueryText == "" {
		return fmt.Errorf("%w: query_text cannot be empty", ErrValidation)
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit < 1 || q.Limit > MaxLimit {
		return fmt.Errorf("%w: limit must be 1-%d, got %d", ErrValidation, MaxLimit, q.Limit)
	}
	if q.MinScore != nil && (*q.MinScore < -1 || *q.MinScore > 1) {
		return fmt.Errorf("%w: min_score must be within [-1, 1]", ErrValidation)
	}
	return nil
}

// Response is the output of the query surface.
type Response struct {
	QueryText string   `json:"query_text"`
	Results   []Result `json:"results"`
	Count     int      `json:"count"`
	Degraded  bool     `json:"degraded"`
	Warning   string   `json:"warning,omitempty"`
	Context   string   `json:"context,omitempty"`
}

// RecentQuery is a bounded recency read with projection.
type RecentQuery struct {
	Limit            int
	RequireEmbedding bool
	// WithEmbedding includes vectors in the returned rows.
	WithEmbedding bool
}
