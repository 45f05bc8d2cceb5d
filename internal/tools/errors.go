package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/raphaelgruber/recall/internal/models"
)

// ErrorResult creates a tool error result with optional recovery hint.
// If hint is non-empty, formats as "{msg}. {hint}".
// Returns IsError=true so the calling agent can see the error and self-correct.
func ErrorResult(msg, hint string) *mcp.CallToolResult {
	text := msg
	if hint != "" {
		text = msg + ". " + hint
	}
	return mcp.NewToolResultError(text)
}

// TextResult creates a success result with text content.
func TextResult(text string) *mcp.CallToolResult {
	return mcp.NewToolResultText(text)
}

// JSONResult renders v as indented JSON text.
func JSONResult(v any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult("Failed to encode result", err.Error())
	}
	return TextResult(string(b))
}

// ServiceError maps a service error onto a tool error with a recovery hint.
func ServiceError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, models.ErrValidation):
		return ErrorResult(err.Error(), "Fix the arguments and retry")
	case errors.Is(err, models.ErrNotFound):
		return ErrorResult(err.Error(), "Check the id with search_activity or recent_episodes")
	case errors.Is(err, models.ErrOutOfOrder):
		return ErrorResult(err.Error(), "Send events for a source in timestamp order")
	case errors.Is(err, models.ErrConflict):
		return ErrorResult(err.Error(), "Use a new frame id")
	case errors.Is(err, models.ErrEmbeddingUnavailable):
		return ErrorResult(err.Error(), "Check the embedding provider configuration")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorResult("Request cancelled", "Retry with a smaller limit")
	default:
		return ErrorResult("Internal error", "The store may be unavailable")
	}
}

// argString returns a string argument or "".
func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// argOptString returns a pointer to a non-empty string argument.
func argOptString(args map[string]any, key string) *string {
	if s := argString(args, key); s != "" {
		return &s
	}
	return nil
}

// argNumber returns a numeric argument. JSON numbers arrive as float64.
func argNumber(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func arguments(req mcp.CallToolRequest) map[string]any {
	args, _ := req.Params.Arguments.(map[string]any)
	if args == nil {
		return map[string]any{}
	}
	return args
}
