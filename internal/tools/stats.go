package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewStatsHandler creates the activity_stats tool handler.
func NewStatsHandler(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return JSONResult(deps.Stats()), nil
	}
}

// NewBackfillHandler creates the backfill tool handler. The job outlives the
// call; its id can be polled with backfill_status.
func NewBackfillHandler(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := 0
		if v, ok := argNumber(arguments(req), "limit"); ok {
			if v < 0 {
				return ErrorResult("limit must not be negative", "Use 0 for no limit"), nil
			}
			limit = int(v)
		}
		job := deps.Jobs.StartBackfill(context.WithoutCancel(ctx), limit)
		snap := job.Snapshot()
		return JSONResult(&snap), nil
	}
}

// NewBackfillStatusHandler creates the backfill_status tool handler.
func NewBackfillStatusHandler(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := argString(arguments(req), "job_id")
		if id == "" {
			jobs := deps.Jobs.ListJobs()
			out := make([]any, 0, len(jobs))
			for _, j := range jobs {
				snap := j.Snapshot()
				out = append(out, &snap)
			}
			return JSONResult(out), nil
		}
		job := deps.Jobs.GetJob(id)
		if job == nil {
			return ErrorResult("job not found: "+id, "Call backfill_status without job_id to list jobs"), nil
		}
		snap := job.Snapshot()
		return JSONResult(&snap), nil
	}
}
