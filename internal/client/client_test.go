package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raphaelgruber/recall/internal/app"
	"github.com/raphaelgruber/recall/internal/client"
	"github.com/raphaelgruber/recall/internal/httpapi"
	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/service"
	"github.com/raphaelgruber/recall/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error)      { return []float32{1, 0}, nil }
func (stubEmbedder) EmbedImage(context.Context, string) ([]float32, error) { return []float32{0, 1}, nil }
func (stubEmbedder) Model() string                                         { return "stub" }
func (stubEmbedder) Dimension() int                                        { return 2 }

func newServer(t *testing.T, withStats bool) (*client.Client, httpapi.Deps) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := store.NewMemory()
	indexer := service.NewIndexer(repo, stubEmbedder{}, service.IndexerOptions{Workers: 1, QueueSize: 16}, logger)
	opts := service.DefaultSearchOptions()
	opts.Location = time.UTC
	deps := httpapi.Deps{
		Activity: service.NewActivityService(repo, indexer, logger),
		Search:   service.NewSearchService(repo, stubEmbedder{}, nil, opts, logger),
		Jobs:     service.NewJobManager(indexer, logger),
	}
	if withStats {
		deps.Stats = func() app.Stats { return app.Stats{Store: "memory", Sources: len(deps.Activity.Sources())} }
	}
	srv := httptest.NewServer(httpapi.New(deps, logger).Handler())
	t.Cleanup(srv.Close)
	return client.New(srv.URL + "/"), deps
}

func TestClientDefaults(t *testing.T) {
	t.Setenv("RECALL_SERVER_URL", "")
	assert.Equal(t, "http://localhost:8484", client.New("").BaseURL())

	t.Setenv("RECALL_SERVER_URL", "http://recall.internal:9000/")
	assert.Equal(t, "http://recall.internal:9000", client.New("").BaseURL())
}

func TestClientRoundTrip(t *testing.T) {
	c, _ := newServer(t, true)
	ctx := context.Background()
	require.NoError(t, c.Health(ctx))

	ts := func(v int64) *int64 { return &v }
	a, err := c.Record(ctx, service.RecordInput{SourceID: "laptop", AppName: "Terminal", Timestamp: ts(1000)})
	require.NoError(t, err)
	b, err := c.Record(ctx, service.RecordInput{SourceID: "laptop", AppName: "Terminal", Timestamp: ts(2000)})
	require.NoError(t, err)
	assert.Equal(t, a.EpisodeID, b.EpisodeID)

	sources, err := c.Sources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "laptop", sources[0].SourceID)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sources)

	closed, err := c.CloseSource(ctx, "laptop")
	require.NoError(t, err)
	assert.True(t, closed.Closed)

	job, err := c.Backfill(ctx, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, err := c.Job(ctx, job.ID)
		return err == nil && j.Status == service.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	jobs, err := c.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	resp, err := c.Search(ctx, models.Query{QueryText: "terminal"})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, a.EpisodeID, resp.Results[0].ID)

	detail, err := c.Episode(ctx, a.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.Episode.FrameCount)

	recent, err := c.Recent(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	text, err := c.Context(ctx, models.Query{QueryText: "terminal"})
	require.NoError(t, err)
	assert.Contains(t, text.Context, "Activity in Terminal")
}

func TestClientErrorsUnwrap(t *testing.T) {
	c, _ := newServer(t, false)
	ctx := context.Background()

	_, err := c.Search(ctx, models.Query{QueryText: "x", Limit: 500})
	assert.ErrorIs(t, err, models.ErrValidation)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	_, err = c.Episode(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = c.Stats(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotImplemented, apiErr.Status)

	_, err = c.Ask(ctx, models.Query{QueryText: "x"})
	require.Error(t, err)
}

func TestStream(t *testing.T) {
	c, deps := newServer(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := c.OpenStream(ctx, "desk")
	require.NoError(t, err)
	assert.Equal(t, "desk", s.Source())

	ts := func(v int64) *int64 { return &v }
	a, err := s.Send(ctx, service.RecordInput{AppName: "Chrome", Timestamp: ts(1000), SourceID: "ignored"})
	require.NoError(t, err)
	b, err := s.Send(ctx, service.RecordInput{AppName: "Mail", Timestamp: ts(2000)})
	require.NoError(t, err)
	assert.NotEqual(t, a.EpisodeID, b.EpisodeID)

	_, err = s.Send(ctx, service.RecordInput{AppName: "Mail", Timestamp: ts(1500)})
	assert.True(t, errors.Is(err, models.ErrOutOfOrder), "got %v", err)

	closedID, err := s.CloseEpisode(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.EpisodeID, closedID)

	c2, err := s.Send(ctx, service.RecordInput{AppName: "Mail", Timestamp: ts(3000)})
	require.NoError(t, err)
	assert.NotEqual(t, b.EpisodeID, c2.EpisodeID)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Send(ctx, service.RecordInput{AppName: "Mail"})
	assert.ErrorIs(t, err, client.ErrStreamClosed)

	require.Eventually(t, func() bool {
		return len(deps.Activity.Sources()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenStreamErrors(t *testing.T) {
	c, _ := newServer(t, false)
	_, err := c.OpenStream(context.Background(), "")
	assert.Error(t, err)

	bad := client.New("http://127.0.0.1:1")
	_, err = bad.OpenStream(context.Background(), "desk")
	assert.Error(t, err)
}
