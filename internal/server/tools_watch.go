package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
)

// ─── start_watch / stop_watch / watch_status ────────────────────────────────

// StartWatchTool handles the start_watch MCP tool.
type StartWatchTool struct {
	m *Manager
}

// NewStartWatchTool creates a StartWatchTool.
func NewStartWatchTool(m *Manager) *StartWatchTool {
	return &StartWatchTool{m: m}
}

// Definition returns the MCP tool definition for start_watch.
func (t *StartWatchTool) Definition() mcp.Tool {
	return mcp.NewTool("start_watch",
		mcp.WithDescription(
			"Watch every package's source directory and rebuild affected packages on each change. "+
				"A newer change aborts the build in progress.",
		),
		rootParam(),
	)
}

// Handle processes the start_watch tool call.
func (t *StartWatchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.m.StartWatch(req.GetString("root", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start watch: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Watching %d source directories in %s.", len(st.Dirs), st.Root)), nil
}

// StopWatchTool handles the stop_watch MCP tool.
type StopWatchTool struct {
	m *Manager
}

// NewStopWatchTool creates a StopWatchTool.
func NewStopWatchTool(m *Manager) *StopWatchTool {
	return &StopWatchTool{m: m}
}

// Definition returns the MCP tool definition for stop_watch.
func (t *StopWatchTool) Definition() mcp.Tool {
	return mcp.NewTool("stop_watch",
		mcp.WithDescription("Stop watching a workspace. A build in progress is aborted."),
		rootParam(),
	)
}

// Handle processes the stop_watch tool call.
func (t *StopWatchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.m.StopWatch(req.GetString("root", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Stopped watching %s after %d runs.", st.Root, st.Runs)), nil
}

// WatchStatusTool handles the watch_status MCP tool.
type WatchStatusTool struct {
	m *Manager
}

// NewWatchStatusTool creates a WatchStatusTool.
func NewWatchStatusTool(m *Manager) *WatchStatusTool {
	return &WatchStatusTool{m: m}
}

// Definition returns the MCP tool definition for watch_status.
func (t *WatchStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("watch_status",
		mcp.WithDescription("Show active watches and the outcome of their latest run."),
		mcp.WithString("root",
			mcp.Description("Limit to this workspace root. Defaults to every watched workspace."),
		),
	)
}

// Handle processes the watch_status tool call.
func (t *WatchStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	statuses, err := t.m.WatchStatus(req.GetString("root", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(statuses) == 0 {
		return mcp.NewToolResultText("No active watches."), nil
	}

	var sb strings.Builder
	sb.WriteString("## Watches\n\n")
	for _, st := range statuses {
		state := "idle"
		if st.Busy {
			state = "building"
		}
		fmt.Fprintf(&sb, "- **%s**: %s, %d runs, %d aborted, %d pending changes\n", st.Root, state, st.Runs, st.Aborted, st.Pending)
		if st.Last != nil {
			fmt.Fprintf(&sb, "  - last run %s: built %d, failed %d\n", st.Last.Status, st.Last.Build.Built, st.Last.Build.Failed)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// ─── build_history ───────────────────────────────────────────────────────────

// HistoryTool handles the build_history MCP tool.
type HistoryTool struct {
	m *Manager
}

// NewHistoryTool creates a HistoryTool.
func NewHistoryTool(m *Manager) *HistoryTool {
	return &HistoryTool{m: m}
}

// Definition returns the MCP tool definition for build_history.
func (t *HistoryTool) Definition() mcp.Tool {
	return mcp.NewTool("build_history",
		mcp.WithDescription("List recent pipeline runs for a workspace, newest first."),
		rootParam(),
		mcp.WithNumber("limit",
			mcp.Description("Max runs (default: 10)"),
		),
	)
}

// Handle processes the build_history tool call.
func (t *HistoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if t.m.Env.History == nil {
		return mcp.NewToolResultError("build history is disabled"), nil
	}
	root, err := t.m.Resolve(req.GetString("root", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	runs, err := t.m.Env.History.Recent(ctx, root, intArg(req, "limit", 10))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read history: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No recorded runs for %s.", root)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Recent runs in %s\n\n", root)
	for _, r := range runs {
		fmt.Fprintf(&sb, "- %s **%s** (%s): %d targets, %d built, %d failed, took %s\n",
			humanize.Time(r.StartedAt), r.Status, r.Trigger, r.Targets, r.Built, r.Failed,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	return mcp.NewToolResultText(sb.String()), nil
}
