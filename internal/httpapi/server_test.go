package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raphaelgruber/recall/internal/app"
	"github.com/raphaelgruber/recall/internal/httpapi"
	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/service"
	"github.com/raphaelgruber/recall/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder maps every text and image onto the same direction.
type stubEmbedder struct {
	err error
}

func (s stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1, 0}, nil
}

func (s stubEmbedder) EmbedImage(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (stubEmbedder) Model() string  { return "stub" }
func (stubEmbedder) Dimension() int { return 2 }

type fixture struct {
	repo *store.Memory
	deps httpapi.Deps
	srv  *httptest.Server
}

func newFixture(t *testing.T, emb stubEmbedder, mutate func(*service.SearchOptions, *httpapi.Deps)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := store.NewMemory()
	indexer := service.NewIndexer(repo, emb, service.IndexerOptions{Workers: 1, QueueSize: 16}, logger)
	opts := service.DefaultSearchOptions()
	opts.Location = time.UTC

	deps := httpapi.Deps{
		Activity: service.NewActivityService(repo, indexer, logger),
		Jobs:     service.NewJobManager(indexer, logger),
	}
	if mutate != nil {
		mutate(&opts, &deps)
	}
	deps.Search = service.NewSearchService(repo, emb, nil, opts, logger)

	srv := httptest.NewServer(httpapi.New(deps, logger, httpapi.WithPingInterval(100*time.Millisecond)).Handler())
	t.Cleanup(srv.Close)
	return &fixture{repo: repo, deps: deps, srv: srv}
}

// do sends a JSON request and decodes the response into out when non-nil.
func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) record(t *testing.T, source, app string, ts int64) service.RecordResult {
	t.Helper()
	image := "https://img.example/" + app + ".png"
	var res service.RecordResult
	status := f.do(t, http.MethodPost, "/api/activity", service.RecordInput{
		SourceID: source, AppName: app, Timestamp: &ts, ImageRef: &image,
	}, &res)
	require.Equal(t, http.StatusCreated, status)
	return res
}

func TestHealth(t *testing.T) {
	f := newFixture(t, stubEmbedder{}, nil)
	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))
}

func TestRecordSearchFlow(t *testing.T) {
	f := newFixture(t, stubEmbedder{}, nil)
	first := f.record(t, "laptop", "Chrome", 1000)
	second := f.record(t, "laptop", "Chrome", 2000)
	third := f.record(t, "laptop", "Slack", 3000)
	assert.Equal(t, first.EpisodeID, second.EpisodeID)
	assert.NotEqual(t, first.EpisodeID, third.EpisodeID)

	var sources []map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/sources", nil, &sources))
	require.Len(t, sources, 1)
	assert.Equal(t, third.EpisodeID, sources[0]["episode_id"])

	var closed httpapi.CloseResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/sources/laptop/close", nil, &closed))
	assert.Equal(t, httpapi.CloseResponse{SourceID: "laptop", EpisodeID: third.EpisodeID, Closed: true}, closed)

	var job service.Job
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/backfill", nil, &job))
	f.deps.Jobs.Wait()
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil, &job))
	assert.Equal(t, service.JobStatusCompleted, job.Status)
	var jobs []service.Job
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/jobs", nil, &jobs))
	assert.Len(t, jobs, 1)

	var resp models.Response
	status := f.do(t, http.MethodPost, "/api/search", models.Query{QueryText: "chrome", Limit: 1}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, resp.Count)
	assert.False(t, resp.Degraded)
	assert.Empty(t, resp.Context)
	assert.Equal(t, models.KindEpisode, resp.Results[0].Kind)
	assert.Equal(t, models.KindFrame, resp.Results[1].Kind)

	var ctxResp httpapi.ContextResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/context", models.Query{QueryText: "chrome"}, &ctxResp))
	assert.True(t, strings.HasPrefix(ctxResp.Context, "Relevant Activity Episodes (semantically matched):"))
	assert.Equal(t, 5, ctxResp.Count)

	var detail service.EpisodeDetail
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/episodes/"+first.EpisodeID, nil, &detail))
	assert.Equal(t, 2, detail.Episode.FrameCount)
	assert.Len(t, detail.Frames, 2)
	assert.False(t, detail.Episode.Open)

	var frame models.Frame
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/frames/"+third.FrameID, nil, &frame))
	assert.Equal(t, "Slack", frame.AppName)
	assert.Nil(t, frame.Embedding)

	var recent []models.Episode
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/episodes?limit=1", nil, &recent))
	require.Len(t, recent, 1)
	assert.Equal(t, third.EpisodeID, recent[0].ID)
}

func TestErrorStatuses(t *testing.T) {
	f := newFixture(t, stubEmbedder{}, nil)
	f.record(t, "laptop", "Chrome", 5000)
	ts := int64(4000)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"empty query", http.MethodPost, "/api/search", models.Query{}, http.StatusBadRequest, httpapi.CodeValidation},
		{"limit above max", http.MethodPost, "/api/search", models.Query{QueryText: "x", Limit: 101}, http.StatusBadRequest, httpapi.CodeValidation},
		{"malformed body", http.MethodPost, "/api/search", "{", http.StatusBadRequest, httpapi.CodeValidation},
		{"unknown field", http.MethodPost, "/api/search", `{"query_text":"x","top_k":3}`, http.StatusBadRequest, httpapi.CodeValidation},
		{"missing source", http.MethodPost, "/api/activity", service.RecordInput{AppName: "x"}, http.StatusBadRequest, httpapi.CodeValidation},
		{"out of order", http.MethodPost, "/api/activity", service.RecordInput{SourceID: "laptop", AppName: "Chrome", Timestamp: &ts}, http.StatusConflict, httpapi.CodeOutOfOrder},
		{"unknown episode", http.MethodGet, "/api/episodes/nope", nil, http.StatusNotFound, httpapi.CodeNotFound},
		{"unknown frame", http.MethodGet, "/api/frames/nope", nil, http.StatusNotFound, httpapi.CodeNotFound},
		{"unknown job", http.MethodGet, "/api/jobs/nope", nil, http.StatusNotFound, httpapi.CodeNotFound},
		{"bad limit", http.MethodGet, "/api/episodes?limit=x", nil, http.StatusBadRequest, httpapi.CodeValidation},
		{"bad backfill limit", http.MethodPost, "/api/backfill?limit=-1", nil, http.StatusBadRequest, httpapi.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body httpapi.ErrorBody
			status := f.do(t, tt.method, tt.path, tt.body, &body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestSearchEmbeddingUnavailable(t *testing.T) {
	f := newFixture(t, stubEmbedder{err: errors.New("provider down")}, func(o *service.SearchOptions, _ *httpapi.Deps) {
		o.KeywordFallback = false
	})
	f.record(t, "laptop", "Chrome", 1000)

	var body httpapi.ErrorBody
	status := f.do(t, http.MethodPost, "/api/search", models.Query{QueryText: "chrome"}, &body)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, httpapi.CodeUnavailable, body.Code)
}

func TestSearchKeywordFallback(t *testing.T) {
	f := newFixture(t, stubEmbedder{err: errors.New("provider down")}, nil)
	f.record(t, "laptop", "Chrome", 1000)

	var resp models.Response
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/search", models.Query{QueryText: "chrome"}, &resp))
	assert.True(t, resp.Degraded)
	assert.Equal(t, service.WarnKeywordFallback, resp.Warning)
	assert.Equal(t, 2, resp.Count)
}

func TestOptionalRoutes(t *testing.T) {
	f := newFixture(t, stubEmbedder{}, nil)
	var body httpapi.ErrorBody
	assert.Equal(t, http.StatusNotImplemented, f.do(t, http.MethodGet, "/api/stats", nil, &body))
	assert.Equal(t, http.StatusNotImplemented, f.do(t, http.MethodPost, "/api/ask", models.Query{QueryText: "x"}, &body))

	f = newFixture(t, stubEmbedder{}, func(_ *service.SearchOptions, d *httpapi.Deps) {
		d.Stats = func() app.Stats { return app.Stats{Store: "memory", RerankEnabled: true} }
		d.Ask = func(_ context.Context, q models.Query) (string, *models.Response, error) {
			return "You read " + q.QueryText, &models.Response{QueryText: q.QueryText, Context: "ctx"}, nil
		}
	})
	var stats app.Stats
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/stats", nil, &stats))
	assert.Equal(t, "memory", stats.Store)
	assert.True(t, stats.RerankEnabled)

	var ask httpapi.AskResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/ask", models.Query{QueryText: "docs"}, &ask))
	assert.Equal(t, "You read docs", ask.Answer)
	require.NotNil(t, ask.Response)
	assert.Empty(t, ask.Response.Context)
}
