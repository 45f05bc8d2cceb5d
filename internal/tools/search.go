package tools

import (
	"context"
	"math"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/raphaelgruber/recall/internal/models"
)

func queryTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("query_text",
			mcp.Required(),
			mcp.Description("What to look for in past screen activity"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results per kind 1-100, default 10"),
		),
		mcp.WithNumber("min_score",
			mcp.Description("Optional similarity threshold in [-1, 1]"),
		),
	)
}

// parseQuery reads the query surface arguments.
func parseQuery(req mcp.CallToolRequest) (models.Query, *mcp.CallToolResult) {
	args := arguments(req)
	q := models.Query{QueryText: argString(args, "query_text")}
	if q.QueryText == "" {
		return q, ErrorResult("query_text cannot be empty", "Provide a search query")
	}
	if v, ok := argNumber(args, "limit"); ok {
		if v != math.Trunc(v) {
			return q, ErrorResult("limit must be an integer", "Use a whole number 1-100")
		}
		q.Limit = int(v)
		if q.Limit < 1 || q.Limit > models.MaxLimit {
			return q, ErrorResult("Limit must be 1-100", "Reduce limit value")
		}
	}
	if v, ok := argNumber(args, "min_score"); ok {
		q.MinScore = &v
	}
	return q, nil
}

// NewSearchHandler creates the search_activity tool handler.
// Returns the full response including degradation flags as JSON.
func NewSearchHandler(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, bad := parseQuery(req)
		if bad != nil {
			return bad, nil
		}
		resp, err := deps.Search.Search(ctx, q)
		if err != nil {
			deps.Logger.Error("search failed", "error", err)
			return ServiceError(err), nil
		}
		resp.Context = ""

		queryLog := q.QueryText
		if len(queryLog) > 30 {
			queryLog = queryLog[:30] + "..."
		}
		deps.Logger.Info("search completed", "query", queryLog, "results", resp.Count, "degraded", resp.Degraded)
		return JSONResult(resp), nil
	}
}

// NewContextHandler creates the activity_context tool handler, which returns
// the assembled text block meant for a language model prompt.
func NewContextHandler(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, bad := parseQuery(req)
		if bad != nil {
			return bad, nil
		}
		text, resp, err := deps.Search.Context(ctx, q)
		if err != nil {
			return ServiceError(err), nil
		}
		if resp != nil && resp.Warning != "" {
			text = "Note: " + resp.Warning + "\n" + text
		}
		return TextResult(text), nil
	}
}

// NewAskHandler creates the ask_activity tool handler.
func NewAskHandler(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, bad := parseQuery(req)
		if bad != nil {
			return bad, nil
		}
		answer, _, err := deps.Ask(ctx, q)
		if err != nil {
			deps.Logger.Error("ask failed", "error", err)
			return ErrorResult("Failed to answer", err.Error()), nil
		}
		return TextResult(answer), nil
	}
}
