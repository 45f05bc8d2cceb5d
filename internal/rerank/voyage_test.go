package rerank_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/raphaelgruber/recall/internal/embedding"
	"github.com/raphaelgruber/recall/internal/rerank"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoyageReranker(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"data":[{"index":1,"relevance_score":0.9},{"index":0,"relevance_score":0.1}]}`))
	}))
	defer srv.Close()

	r, err := rerank.NewVoyageReranker("key", srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, rerank.DefaultVoyageModel, r.Model())

	scored, err := r.Rerank(context.Background(), "what was I reading", []string{"a", "b"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []rerank.Scored{{Index: 1, Score: 0.9}, {Index: 0, Score: 0.1}}, scored)
	assert.Equal(t, "what was I reading", got["query"])
	assert.Equal(t, float64(2), got["top_k"])
	assert.Equal(t, []any{"a", "b"}, got["documents"])
}

func TestVoyageRerankerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r, err := rerank.NewVoyageReranker("key", srv.URL, "rerank-2-lite")
	require.NoError(t, err)
	_, err = r.Rerank(context.Background(), "q", []string{"a"}, 1)
	require.ErrorIs(t, err, embedding.ErrRateLimited)

	_, err = rerank.NewVoyageReranker("", "", "")
	require.ErrorIs(t, err, embedding.ErrAuth)
}
