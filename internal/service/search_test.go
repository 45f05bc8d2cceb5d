package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/raphaelgruber/recall/internal/embedding"
	"github.com/raphaelgruber/recall/internal/metrics"
	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/rerank"
	"github.com/raphaelgruber/recall/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedReranker struct {
	scores []float64
	err    error
	calls  int
}

func (r *scriptedReranker) Rerank(ctx context.Context, query string, docs []string, topK int) ([]rerank.Scored, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := make([]rerank.Scored, 0, len(docs))
	for i := range docs {
		out = append(out, rerank.Scored{Index: i, Score: r.scores[i]})
	}
	return out, nil
}

func newSearch(repo store.CandidateReader, emb embedding.Embedder, rr rerank.Reranker, mutate func(*SearchOptions)) *SearchService {
	opts := DefaultSearchOptions()
	opts.Location = time.UTC
	if mutate != nil {
		mutate(&opts)
	}
	var orch *rerank.Orchestrator
	if rr != nil {
		orch = rerank.NewOrchestrator(rr)
	}
	return NewSearchService(repo, emb, orch, opts, nil)
}

func TestSearchMinScore(t *testing.T) {
	repo := store.NewMemory()
	seedEpisode(t, repo, "a", "Chrome", 1000, unit(0.95))
	seedEpisode(t, repo, "b", "Slack", 2000, unit(0.80))
	seedEpisode(t, repo, "c", "Editor", 3000, unit(0.92))

	svc := newSearch(repo, &fakeEmbedder{}, nil, nil)
	minScore := 0.9
	resp, err := svc.Search(context.Background(), models.Query{QueryText: "what was I doing", MinScore: &minScore})
	require.NoError(t, err)

	require.Equal(t, []string{"a", "c"}, resultIDs(resp.Results))
	assert.InDelta(t, 0.95, resp.Results[0].Score, 1e-6)
	assert.InDelta(t, 0.92, resp.Results[1].Score, 1e-6)
	assert.Equal(t, 2, resp.Count)
	assert.False(t, resp.Degraded)
	assert.Empty(t, resp.Warning)
	for _, r := range resp.Results {
		assert.Equal(t, models.KindEpisode, r.Kind)
		assert.Nil(t, r.Episode.Embedding, "vectors are stripped from output")
	}
}

func TestSearchEmbeddingUnavailableFailsClosed(t *testing.T) {
	repo := store.NewMemory()
	seedEpisode(t, repo, "a", "Chrome", 1000, unit(0.95))

	emb := &fakeEmbedder{err: fmt.Errorf("%w: status 429", embedding.ErrRateLimited)}
	svc := newSearch(repo, emb, nil, func(o *SearchOptions) { o.KeywordFallback = false })

	resp, err := svc.Search(context.Background(), models.Query{QueryText: "chrome"})
	require.ErrorIs(t, err, models.ErrEmbeddingUnavailable)
	assert.Nil(t, resp)
}

func TestSearchRerankReorders(t *testing.T) {
	repo := store.NewMemory()
	seedEpisode(t, repo, "A", "Chrome", 1000, unit(0.99))
	seedEpisode(t, repo, "B", "Slack", 2000, unit(0.90))
	seedEpisode(t, repo, "C", "Editor", 3000, unit(0.80))

	rr := &scriptedReranker{scores: []float64{0.5, 0.2, 0.9}}
	svc := newSearch(repo, &fakeEmbedder{}, rr, nil)

	resp, err := svc.Search(context.Background(), models.Query{QueryText: "editing code", Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B"}, resultIDs(resp.Results))
	assert.False(t, resp.Degraded)
	require.NotNil(t, resp.Results[0].RerankScore)

	resp, err = svc.Search(context.Background(), models.Query{QueryText: "editing code", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A"}, resultIDs(resp.Results))
}

func TestSearchRerankFailureDegrades(t *testing.T) {
	repo := store.NewMemory()
	seedEpisode(t, repo, "A", "Chrome", 1000, unit(0.99))
	seedEpisode(t, repo, "B", "Slack", 2000, unit(0.90))

	m := metrics.NewCollector()
	svc := newSearch(repo, &fakeEmbedder{}, &scriptedReranker{err: errors.New("503")}, nil)
	svc.SetMetrics(m)

	resp, err := svc.Search(context.Background(), models.Query{QueryText: "q"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, resultIDs(resp.Results))
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.Warning, WarnRerankFallback)
	assert.Equal(t, int64(1), m.Snapshot().Counters[metrics.CounterDegraded])
}

func TestSearchKeywordFallback(t *testing.T) {
	repo := store.NewMemory()
	seedEpisode(t, repo, "e1", "Google Chrome", 1000, nil)
	seedEpisode(t, repo, "e2", "Slack", 2000, unit(0.5))
	seedFrame(t, repo, "f1", "Google Chrome", "GitHub - Pull Requests", 1500, nil, "")
	seedFrame(t, repo, "f2", "Terminal", "bash", 1600, nil, "")

	tests := []struct {
		name string
		emb  embedding.Embedder
	}{
		{"embedding error", &fakeEmbedder{err: embedding.ErrUnavailable}},
		{"no embedder", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newSearch(repo, tt.emb, nil, nil)
			resp, err := svc.Search(context.Background(), models.Query{QueryText: "Chrome pull requests"})
			require.NoError(t, err)

			assert.True(t, resp.Degraded)
			assert.Contains(t, resp.Warning, WarnKeywordFallback)
			// ep-f1 is the open episode holding f1, newer than e1 at the same score
			assert.Equal(t, []string{"ep-f1", "e1", "f1"}, resultIDs(resp.Results))
			assert.InDelta(t, 1.0/3, resp.Results[1].Score, 1e-9, "only chrome matches the episode")
			assert.InDelta(t, 1.0, resp.Results[2].Score, 1e-9)
			assert.True(t, strings.HasPrefix(resp.Context, "Relevant Activity Episodes (keyword matched):"))
		})
	}
}

func TestSearchNoEmbeddingIndexFallsBack(t *testing.T) {
	repo := store.NewMemory()
	seedEpisode(t, repo, "e1", "Google Chrome", 1000, nil)
	seedFrame(t, repo, "f1", "Google Chrome", "GitHub - Pull Requests", 1500, nil, "")

	emb := &fakeEmbedder{}
	m := metrics.NewCollector()
	svc := newSearch(repo, emb, nil, nil)
	svc.SetMetrics(m)

	resp, err := svc.Search(context.Background(), models.Query{QueryText: "Chrome pull requests"})
	require.NoError(t, err)
	calls, _ := emb.counts()
	assert.Equal(t, 1, calls, "the query was embedded")
	assert.True(t, resp.Degraded)
	assert.Equal(t, WarnKeywordFallback, resp.Warning)
	assert.Equal(t, []string{"ep-f1", "e1", "f1"}, resultIDs(resp.Results))
	assert.True(t, strings.HasPrefix(resp.Context, "Relevant Activity Episodes (keyword matched):"))
	assert.Equal(t, int64(1), m.Snapshot().Counters[metrics.CounterKeywordFallback])

	t.Run("tier disabled", func(t *testing.T) {
		svc := newSearch(repo, &fakeEmbedder{}, nil, func(o *SearchOptions) { o.KeywordFallback = false })
		resp, err := svc.Search(context.Background(), models.Query{QueryText: "Chrome pull requests"})
		require.NoError(t, err)
		assert.Zero(t, resp.Count)
		assert.False(t, resp.Degraded)
		assert.Equal(t, NoRelevantContext, resp.Context)
	})
}

func TestSearchKeywordNoMatch(t *testing.T) {
	repo := store.NewMemory()
	seedEpisode(t, repo, "e1", "Slack", 1000, nil)

	svc := newSearch(repo, nil, nil, nil)
	resp, err := svc.Search(context.Background(), models.Query{QueryText: "spreadsheet"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 0, resp.Count)
	assert.True(t, resp.Degraded)
	assert.Equal(t, NoRelevantContext, resp.Context)
}

func TestSearchPartialWindowFailure(t *testing.T) {
	repo := store.NewMemory()
	seedEpisode(t, repo, "e1", "Chrome", 1000, unit(0.9))
	seedFrame(t, repo, "f1", "Chrome", "Docs", 1500, unit(0.7), "text-model")

	t.Run("frames fail", func(t *testing.T) {
		svc := newSearch(flakyReader{CandidateReader: repo, failFrames: true}, &fakeEmbedder{}, nil, nil)
		resp, err := svc.Search(context.Background(), models.Query{QueryText: "q"})
		require.NoError(t, err)
		assert.Equal(t, []string{"e1"}, resultIDs(resp.Results))
		assert.True(t, resp.Degraded)
		assert.Contains(t, resp.Warning, WarnFramesMissing)
	})

	t.Run("episodes fail", func(t *testing.T) {
		svc := newSearch(flakyReader{CandidateReader: repo, failEpisodes: true}, &fakeEmbedder{}, nil, nil)
		resp, err := svc.Search(context.Background(), models.Query{QueryText: "q"})
		require.NoError(t, err)
		assert.Equal(t, []string{"f1"}, resultIDs(resp.Results))
		assert.Contains(t, resp.Warning, WarnEpisodesMissing)
	})

	t.Run("both fail", func(t *testing.T) {
		svc := newSearch(flakyReader{CandidateReader: repo, failEpisodes: true, failFrames: true}, &fakeEmbedder{}, nil, nil)
		_, err := svc.Search(context.Background(), models.Query{QueryText: "q"})
		require.ErrorIs(t, err, errRead)
	})

	t.Run("only window fails", func(t *testing.T) {
		svc := newSearch(flakyReader{CandidateReader: repo, failEpisodes: true}, &fakeEmbedder{}, nil, func(o *SearchOptions) {
			o.FrameWindow = 0
		})
		_, err := svc.Search(context.Background(), models.Query{QueryText: "q"})
		require.ErrorIs(t, err, errRead)
	})
}

func TestSearchEpisodesBeforeFrames(t *testing.T) {
	repo := store.NewMemory()
	seedEpisode(t, repo, "e1", "Chrome", 1000, unit(0.5))
	seedFrame(t, repo, "f1", "Chrome", "Docs", 1500, unit(0.99), "image-model")

	svc := newSearch(repo, &fakeEmbedder{}, nil, nil)
	resp, err := svc.Search(context.Background(), models.Query{QueryText: "q"})
	require.NoError(t, err)

	require.Equal(t, []string{"e1", "f1"}, resultIDs(resp.Results))
	assert.Equal(t, models.KindFrame, resp.Results[1].Kind)
	assert.True(t, resp.Results[1].CrossModal, "image vectors come from another model")
	assert.Nil(t, resp.Results[1].Frame.Embedding)

	epIdx := strings.Index(resp.Context, "Relevant Activity Episodes")
	frIdx := strings.Index(resp.Context, "Relevant Screenshots")
	require.GreaterOrEqual(t, epIdx, 0)
	assert.Greater(t, frIdx, epIdx)
}

func TestSearchWindowsBoundCandidates(t *testing.T) {
	repo := store.NewMemory()
	for i := range 10 {
		seedEpisode(t, repo, fmt.Sprintf("e%d", i), "Chrome", int64(1000*(i+1)), unit(0.5))
	}
	svc := newSearch(repo, &fakeEmbedder{}, nil, func(o *SearchOptions) { o.EpisodeWindow = 3 })

	resp, err := svc.Search(context.Background(), models.Query{QueryText: "q", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"e9", "e8", "e7"}, resultIDs(resp.Results), "most recent window, ties by recency")
}

func TestSearchValidation(t *testing.T) {
	svc := newSearch(store.NewMemory(), &fakeEmbedder{}, nil, nil)
	bad := 2.0
	for _, q := range []models.Query{
		{QueryText: ""},
		{QueryText: "q", Limit: 101},
		{QueryText: "q", Limit: -1},
		{QueryText: "q", MinScore: &bad},
	} {
		_, err := svc.Search(context.Background(), q)
		require.ErrorIs(t, err, models.ErrValidation)
	}
}

func TestSearchCancelled(t *testing.T) {
	repo := store.NewMemory()
	seedEpisode(t, repo, "e1", "Chrome", 1000, unit(0.9))

	emb := &fakeEmbedder{block: true}
	svc := newSearch(repo, emb, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	resp, err := svc.Search(ctx, models.Query{QueryText: "q"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, resp, "a cancelled query does not fall back to keywords")
}

func TestSearchEmbedTimeoutFallsBack(t *testing.T) {
	repo := store.NewMemory()
	seedEpisode(t, repo, "e1", "Chrome", 1000, unit(0.9))

	svc := newSearch(repo, &fakeEmbedder{block: true}, nil, func(o *SearchOptions) {
		o.EmbedTimeout = 10 * time.Millisecond
	})
	resp, err := svc.Search(context.Background(), models.Query{QueryText: "chrome"})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, []string{"e1"}, resultIDs(resp.Results))
}

func TestQueryTerms(t *testing.T) {
	assert.Equal(t, []string{"what", "was", "i", "reading"}, queryTerms("What was I reading? reading"))
	assert.Empty(t, queryTerms("  ?! "))
	assert.InDelta(t, 0.5, termScore([]string{"git", "slack"}, "GitHub Desktop"), 1e-9)
	assert.Zero(t, termScore(nil, "anything"))
}
