// Package server exposes the build pipeline as an MCP server. It owns the
// per-workspace sessions and watch loops and registers one tool per
// pipeline operation.
package server

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/qingminglong/frontend-develop-tools/internal/pipeline"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Tool is an MCP tool definition with its handler.
type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Tools returns every tool served for m, in registration order.
func Tools(m *Manager) []Tool {
	return []Tool{
		NewListPackagesTool(m),
		NewDetectTool(m),
		NewBuildTargetsTool(m),
		NewBuildChangedTool(m),
		NewStartWatchTool(m),
		NewStopWatchTool(m),
		NewWatchStatusTool(m),
		NewHistoryTool(m),
	}
}

// New creates the MCP server with every tool registered. The returned
// Manager must be closed on shutdown to stop running watches.
func New(env *pipeline.Env, defaultRoot string, cacheSize int) (*server.MCPServer, *Manager, error) {
	m, err := NewManager(env, defaultRoot, cacheSize)
	if err != nil {
		return nil, nil, fmt.Errorf("creating session manager: %w", err)
	}

	s := server.NewMCPServer(
		"fdt",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)
	for _, t := range Tools(m) {
		s.AddTool(t.Definition(), t.Handle)
	}
	return s, m, nil
}

func serverInstructions() string {
	return `You have access to fdt, a frontend monorepo build helper.

It finds the workspace packages of a pnpm monorepo, works out which packages
changed, adds every package that depends on them, builds them in dependency
order and copies the build output into consumer projects listed in
.fdt-link.toml.

## TYPICAL FLOWS

- After editing packages: call build_changed. It detects, builds and syncs in one step.
- To preview what would be built: call detect_changes, then build_targets.
  build_targets does nothing unless detect_changes completed for that root.
- For continuous rebuilds: call start_watch. Each source change triggers a
  rebuild and a newer change aborts the build in progress. Use watch_status to
  check progress and stop_watch when done.

Every tool takes an optional root (absolute path of the monorepo). It defaults
to the directory the server was started in.`
}
