// Package server provides the MCP server wrapper with lifecycle management.
package server

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"
)

// Name is the implementation name reported to MCP clients.
const Name = "recall"

// Server wraps the MCP server with its logger.
type Server struct {
	mcp    *server.MCPServer
	logger *slog.Logger
}

// New creates an MCP server with tool support and request logging.
func New(version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mcpServer := server.NewMCPServer(
		Name,
		version,
		server.WithToolCapabilities(true),
		server.WithToolHandlerMiddleware(LoggingMiddleware(logger)),
		server.WithRecovery(),
	)
	return &Server{
		mcp:    mcpServer,
		logger: logger,
	}
}

// Run serves on stdio and blocks until stdin closes or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server", "transport", "stdio")
	stdio := server.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCP server for tool registration.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}
