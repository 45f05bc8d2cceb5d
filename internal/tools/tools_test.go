package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/raphaelgruber/recall/internal/app"
	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/server"
	"github.com/raphaelgruber/recall/internal/service"
	"github.com/raphaelgruber/recall/internal/store"
	"github.com/raphaelgruber/recall/internal/tools"
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
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1, 0}, nil
}

func (stubEmbedder) Model() string  { return "stub" }
func (stubEmbedder) Dimension() int { return 2 }

type harness struct {
	deps   *tools.Dependencies
	client *client.Client
}

func newHarness(t *testing.T, emb stubEmbedder, mutate func(*tools.Dependencies)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := store.NewMemory()
	indexer := service.NewIndexer(repo, emb, service.IndexerOptions{Workers: 1, QueueSize: 16}, logger)
	opts := service.DefaultSearchOptions()
	opts.Location = time.UTC
	deps := &tools.Dependencies{
		Activity: service.NewActivityService(repo, indexer, logger),
		Search:   service.NewSearchService(repo, emb, nil, opts, logger),
		Jobs:     service.NewJobManager(indexer, logger),
		Logger:   logger,
	}
	if mutate != nil {
		mutate(deps)
	}

	srv := server.New("0.0.1-test", logger)
	tools.RegisterAll(srv.MCPServer(), deps)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	c, err := client.NewInProcessClient(srv.MCPServer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start(ctx))

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "test-client", Version: "1.0.0"}
	_, err = c.Initialize(ctx, init)
	require.NoError(t, err)

	return &harness{deps: deps, client: c}
}

// call invokes a tool and returns its text and error flag.
func (h *harness) call(t *testing.T, name string, args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := h.client.CallTool(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text, res.IsError
}

func (h *harness) record(t *testing.T, source, app string, ts int64) {
	t.Helper()
	out, isErr := h.call(t, "record_activity", map[string]any{
		"source_id": source,
		"app_name":  app,
		"timestamp": ts,
		"image_ref": "https://img.example/" + app + ".png",
	})
	require.False(t, isErr, out)
}

func TestToolsRegistered(t *testing.T) {
	names := func(h *harness) []string {
		res, err := h.client.ListTools(context.Background(), mcp.ListToolsRequest{})
		require.NoError(t, err)
		out := make([]string, len(res.Tools))
		for i, tool := range res.Tools {
			out[i] = tool.Name
		}
		return out
	}

	h := newHarness(t, stubEmbedder{}, nil)
	assert.ElementsMatch(t, []string{
		"search_activity", "activity_context", "get_episode", "recent_episodes",
		"record_activity", "close_source", "backfill", "backfill_status",
	}, names(h))

	h = newHarness(t, stubEmbedder{}, func(d *tools.Dependencies) {
		d.Stats = func() app.Stats { return app.Stats{Store: "memory"} }
		d.Ask = func(context.Context, models.Query) (string, *models.Response, error) {
			return "answer", nil, nil
		}
	})
	assert.Contains(t, names(h), "activity_stats")
	assert.Contains(t, names(h), "ask_activity")
}

func TestRecordBackfillSearch(t *testing.T) {
	h := newHarness(t, stubEmbedder{}, nil)
	h.record(t, "laptop", "Chrome", 1000)
	h.record(t, "laptop", "Chrome", 2000)
	h.record(t, "laptop", "Slack", 3000)

	out, isErr := h.call(t, "close_source", map[string]any{"source_id": "laptop"})
	require.False(t, isErr)
	assert.Contains(t, out, "Closed episode")

	out, isErr = h.call(t, "close_source", map[string]any{"source_id": "laptop"})
	require.False(t, isErr)
	assert.Equal(t, "No open episode for source laptop", out)

	out, isErr = h.call(t, "backfill", map[string]any{})
	require.False(t, isErr, out)
	h.deps.Jobs.Wait()

	var job service.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	out, isErr = h.call(t, "backfill_status", map[string]any{"job_id": job.ID})
	require.False(t, isErr)
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, service.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, 2, job.Result.Episodes)
	assert.Equal(t, 3, job.Result.Frames)

	out, isErr = h.call(t, "search_activity", map[string]any{"query_text": "chrome tabs", "limit": 10})
	require.False(t, isErr, out)
	var resp models.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "chrome tabs", resp.QueryText)
	assert.Equal(t, 5, resp.Count)
	assert.False(t, resp.Degraded)
	assert.Empty(t, resp.Context)
	assert.Equal(t, models.KindEpisode, resp.Results[0].Kind)
	assert.Equal(t, models.KindEpisode, resp.Results[1].Kind)
	assert.Equal(t, models.KindFrame, resp.Results[2].Kind)

	out, isErr = h.call(t, "activity_context", map[string]any{"query_text": "chrome tabs", "limit": 1})
	require.False(t, isErr)
	assert.Contains(t, out, "Relevant Activity Episodes (semantically matched):")
	assert.Contains(t, out, "Relevant Screenshots (semantically matched):")

	out, isErr = h.call(t, "get_episode", map[string]any{"id": resp.Results[0].ID})
	require.False(t, isErr)
	var detail service.EpisodeDetail
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	assert.Equal(t, detail.Episode.FrameCount, len(detail.Frames))
	assert.Nil(t, detail.Episode.Embedding)

	out, isErr = h.call(t, "recent_episodes", map[string]any{"limit": 1})
	require.False(t, isErr)
	assert.Contains(t, out, `"count": 1`)
}

func TestSearchToolValidation(t *testing.T) {
	h := newHarness(t, stubEmbedder{}, nil)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing query", map[string]any{}, "query_text cannot be empty"},
		{"limit too large", map[string]any{"query_text": "x", "limit": 101}, "Limit must be 1-100"},
		{"limit zero", map[string]any{"query_text": "x", "limit": 0}, "Limit must be 1-100"},
		{"fractional limit", map[string]any{"query_text": "x", "limit": 2.5}, "limit must be an integer"},
		{"min score out of range", map[string]any{"query_text": "x", "min_score": 3}, "min_score"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, isErr := h.call(t, "search_activity", tt.args)
			assert.True(t, isErr)
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestSearchToolDegradesToKeywords(t *testing.T) {
	h := newHarness(t, stubEmbedder{err: errors.New("provider down")}, nil)
	h.record(t, "laptop", "Chrome", 1000)
	h.record(t, "laptop", "Slack", 2000)

	out, isErr := h.call(t, "search_activity", map[string]any{"query_text": "chrome"})
	require.False(t, isErr, out)
	var resp models.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Degraded)
	assert.Equal(t, service.WarnKeywordFallback, resp.Warning)
	require.NotEmpty(t, resp.Results)

	out, isErr = h.call(t, "activity_context", map[string]any{"query_text": "chrome"})
	require.False(t, isErr)
	assert.Contains(t, out, "Note: "+service.WarnKeywordFallback)
	assert.Contains(t, out, "keyword matched")
}

func TestActivityToolErrors(t *testing.T) {
	h := newHarness(t, stubEmbedder{}, nil)
	h.record(t, "laptop", "Chrome", 5000)

	out, isErr := h.call(t, "record_activity", map[string]any{"source_id": "laptop", "app_name": "Chrome", "timestamp": 4000})
	assert.True(t, isErr)
	assert.Contains(t, out, "timestamp order")

	out, isErr = h.call(t, "record_activity", map[string]any{"app_name": "Chrome"})
	assert.True(t, isErr)
	assert.Contains(t, out, "source_id cannot be empty")

	out, isErr = h.call(t, "record_activity", map[string]any{"source_id": "laptop", "timestamp": -1})
	assert.True(t, isErr)
	assert.Contains(t, out, "non-negative")

	out, isErr = h.call(t, "get_episode", map[string]any{"id": "missing"})
	assert.True(t, isErr)
	assert.Contains(t, out, "not found")

	out, isErr = h.call(t, "backfill_status", map[string]any{"job_id": "nope"})
	assert.True(t, isErr)
	assert.Contains(t, out, "job not found")
}

func TestStatsAndAskTools(t *testing.T) {
	var asked models.Query
	h := newHarness(t, stubEmbedder{}, func(d *tools.Dependencies) {
		d.Stats = func() app.Stats { return app.Stats{Store: "memory", Sources: 2} }
		d.Ask = func(_ context.Context, q models.Query) (string, *models.Response, error) {
			asked = q
			if q.QueryText == "fail" {
				return "", nil, errors.New("no model")
			}
			return "You were in Chrome.", nil, nil
		}
	})

	out, isErr := h.call(t, "activity_stats", nil)
	require.False(t, isErr)
	assert.Contains(t, out, `"store": "memory"`)
	assert.Contains(t, out, `"sources": 2`)

	out, isErr = h.call(t, "ask_activity", map[string]any{"query_text": "what was I doing", "limit": 3})
	require.False(t, isErr)
	assert.Equal(t, "You were in Chrome.", out)
	assert.Equal(t, 3, asked.Limit)

	out, isErr = h.call(t, "ask_activity", map[string]any{"query_text": "fail"})
	assert.True(t, isErr)
	assert.Contains(t, out, "no model")
}
