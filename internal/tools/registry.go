package tools

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterAll registers all tools with the MCP server.
// This is called from main after server creation but before Run().
func RegisterAll(s *server.MCPServer, deps *Dependencies) {
	s.AddTool(queryTool("search_activity",
		"Search recorded screen activity. Returns ranked episodes followed by ranked screenshots as JSON, "+
			"with degraded=true when semantic search or reranking was unavailable"),
		NewSearchHandler(deps))

	s.AddTool(queryTool("activity_context",
		"Return a plain-text summary of the activity most relevant to a query, ready to quote in an answer"),
		NewContextHandler(deps))

	s.AddTool(mcp.NewTool("get_episode",
		mcp.WithDescription("Retrieve an activity episode by its ID with its screenshots"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Episode id")),
	), NewGetEpisodeHandler(deps))

	s.AddTool(mcp.NewTool("recent_episodes",
		mcp.WithDescription("List the most recent activity episodes and the sources currently being tracked"),
		mcp.WithNumber("limit", mcp.Description("Max episodes 1-100, default 10")),
	), NewRecentHandler(deps))

	s.AddTool(mcp.NewTool("record_activity",
		mcp.WithDescription("Record one screen capture for a source. Consecutive captures of the same app are grouped into one episode"),
		mcp.WithString("source_id", mcp.Required(), mcp.Description("Id of the capturing device or session")),
		mcp.WithString("app_name", mcp.Description("Foreground application, Unknown when empty")),
		mcp.WithNumber("timestamp", mcp.Description("Capture time in Unix milliseconds, default now")),
		mcp.WithString("frame_id", mcp.Description("Frame id, generated when empty")),
		mcp.WithString("window_title", mcp.Description("Foreground window title")),
		mcp.WithString("image_ref", mcp.Description("URL or path of the stored screenshot")),
	), NewRecordHandler(deps))

	s.AddTool(mcp.NewTool("close_source",
		mcp.WithDescription("Close the open episode of a source that stopped capturing"),
		mcp.WithString("source_id", mcp.Required(), mcp.Description("Id of the capturing device or session")),
	), NewCloseSourceHandler(deps))

	s.AddTool(mcp.NewTool("backfill",
		mcp.WithDescription("Start a background job that embeds closed episodes and screenshots missing vectors"),
		mcp.WithNumber("limit", mcp.Description("Max items per kind, 0 for all")),
	), NewBackfillHandler(deps))

	s.AddTool(mcp.NewTool("backfill_status",
		mcp.WithDescription("Get a backfill job by id, or list all jobs when job_id is empty"),
		mcp.WithString("job_id", mcp.Description("Job id returned by backfill")),
	), NewBackfillStatusHandler(deps))

	if deps.Stats != nil {
		s.AddTool(mcp.NewTool("activity_stats",
			mcp.WithDescription("Show store, model, indexer and timing statistics"),
		), NewStatsHandler(deps))
	}

	if deps.Ask != nil {
		s.AddTool(queryTool("ask_activity",
			"Answer a question about past screen activity using a language model over the most relevant activity"),
			NewAskHandler(deps))
	}
}
