// Package tools provides MCP tool handlers and registration.
package tools

import (
	"context"
	"log/slog"

	"github.com/raphaelgruber/recall/internal/app"
	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/service"
)

// Dependencies holds shared services for tool handlers.
// Passed to handler factories via closure capture.
type Dependencies struct {
	Activity *service.ActivityService
	Search   *service.SearchService
	Jobs     *service.JobManager
	Logger   *slog.Logger

	// Stats and Ask are optional. Their tools are not registered when nil.
	Stats func() app.Stats
	Ask   func(ctx context.Context, q models.Query) (string, *models.Response, error)
}

// FromApp builds tool dependencies from a running application.
func FromApp(a *app.App) *Dependencies {
	return &Dependencies{
		Activity: a.Activity,
		Search:   a.Search,
		Jobs:     a.Jobs,
		Logger:   a.Logger,
		Stats:    a.Stats,
		Ask:      a.Ask,
	}
}
