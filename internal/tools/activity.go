package tools

import (
	"context"
	"math"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/service"
)

// NewRecordHandler creates the record_activity tool handler.
func NewRecordHandler(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := arguments(req)
		in := service.RecordInput{
			SourceID:    argString(args, "source_id"),
			AppName:     argString(args, "app_name"),
			FrameID:     argString(args, "frame_id"),
			WindowTitle: argOptString(args, "window_title"),
			ImageRef:    argOptString(args, "image_ref"),
		}
		if in.SourceID == "" {
			return ErrorResult("source_id cannot be empty", "Pass the id of the capturing device"), nil
		}
		if v, ok := argNumber(args, "timestamp"); ok {
			if v != math.Trunc(v) || v < 0 {
				return ErrorResult("timestamp must be a non-negative integer", "Use Unix milliseconds"), nil
			}
			ts := int64(v)
			in.Timestamp = &ts
		}

		res, err := deps.Activity.Record(ctx, in)
		if err != nil {
			return ServiceError(err), nil
		}
		return JSONResult(res), nil
	}
}

// NewCloseSourceHandler creates the close_source tool handler.
func NewCloseSourceHandler(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sourceID := argString(arguments(req), "source_id")
		if sourceID == "" {
			return ErrorResult("source_id cannot be empty", ""), nil
		}
		episodeID, err := deps.Activity.CloseSource(ctx, sourceID)
		if err != nil {
			return ServiceError(err), nil
		}
		if episodeID == "" {
			return TextResult("No open episode for source " + sourceID), nil
		}
		return TextResult("Closed episode " + episodeID), nil
	}
}

// NewGetEpisodeHandler creates the get_episode tool handler.
func NewGetEpisodeHandler(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := argString(arguments(req), "id")
		if id == "" {
			return ErrorResult("id cannot be empty", "Pass an episode id from search results"), nil
		}
		detail, err := deps.Activity.GetEpisode(ctx, id)
		if err != nil {
			return ServiceError(err), nil
		}
		return JSONResult(detail), nil
	}
}

// NewRecentHandler creates the recent_episodes tool handler.
func NewRecentHandler(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := models.DefaultLimit
		if v, ok := argNumber(arguments(req), "limit"); ok {
			limit = int(v)
			if limit < 1 || limit > models.MaxLimit {
				return ErrorResult("Limit must be 1-100", "Reduce limit value"), nil
			}
		}
		episodes, err := deps.Activity.Recent(ctx, limit)
		if err != nil {
			return ServiceError(err), nil
		}
		return JSONResult(map[string]any{
			"episodes": episodes,
			"count":    len(episodes),
			"sources":  deps.Activity.Sources(),
		}), nil
	}
}
