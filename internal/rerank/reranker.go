// Package rerank reorders a small candidate set with a relevance model.
package rerank

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/raphaelgruber/recall/internal/embedding"
)

const (
	// DefaultVoyageModel is the default rerank model.
	DefaultVoyageModel = "rerank-2"

	voyageTimeout = 30 * time.Second
)

// Scored is the relevance of one input document, addressed by its position
// in the request.
type Scored struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

// Reranker scores documents against a query. Results may cover fewer than
// len(documents) entries.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]Scored, error)
}

// VoyageReranker implements Reranker over the Voyage AI rerank endpoint.
type VoyageReranker struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// Compile-time check that VoyageReranker implements Reranker.
var _ Reranker = (*VoyageReranker)(nil)

// NewVoyageReranker creates a reranker. Empty model and baseURL use the defaults.
func NewVoyageReranker(apiKey, baseURL, model string) (*VoyageReranker, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: VOYAGE_API_KEY is not set", embedding.ErrAuth)
	}
	if baseURL == "" {
		baseURL = embedding.DefaultVoyageBaseURL
	}
	if model == "" {
		model = DefaultVoyageModel
	}
	return &VoyageReranker{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: voyageTimeout},
	}, nil
}

// Model returns the rerank model name.
func (r *VoyageReranker) Model() string {
	return r.model
}

type voyageRerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
	TopK      int      `json:"top_k,omitempty"`
}

type voyageRerankResponse struct {
	Data    []Scored `json:"data"`
	Results []Scored `json:"results"`
}

// Rerank calls the rerank endpoint.
func (r *VoyageReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]Scored, error) {
	var resp voyageRerankResponse
	err := embedding.PostJSON(ctx, r.client, r.baseURL+"/rerank", r.apiKey, voyageRerankRequest{
		Query:     query,
		Documents: documents,
		Model:     r.model,
		TopK:      topK,
	}, &resp)
	if err != nil {
		return nil, err
	}
	// the API has used both field names
	if len(resp.Data) > 0 {
		return resp.Data, nil
	}
	return resp.Results, nil
}
