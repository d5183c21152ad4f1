package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/qingminglong/frontend-develop-tools/internal/changes"
	"github.com/qingminglong/frontend-develop-tools/internal/dag"
	"github.com/qingminglong/frontend-develop-tools/internal/history"
	"github.com/qingminglong/frontend-develop-tools/internal/pipeline"
)

func rootParam() mcp.ToolOption {
	return mcp.WithString("root",
		mcp.Description("Absolute path of the monorepo root. Defaults to the server's working directory."),
	)
}

// intArg extracts an integer argument from a tool request, returning
// defaultVal if the key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// filesArg accepts the files argument as a JSON array or as a single
// comma or newline separated string.
func filesArg(req mcp.CallToolRequest) []string {
	var out []string
	switch v := req.GetArguments()["files"].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' }) {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// sourceFor picks the change source: explicit files when given, git otherwise.
func sourceFor(req mcp.CallToolRequest) changes.Source {
	if files := filesArg(req); len(files) > 0 {
		return changes.StaticSource(files)
	}
	return changes.GitSource{}
}

// ─── list_packages ───────────────────────────────────────────────────────────

// ListPackagesTool handles the list_packages MCP tool.
type ListPackagesTool struct {
	m *Manager
}

// NewListPackagesTool creates a ListPackagesTool.
func NewListPackagesTool(m *Manager) *ListPackagesTool {
	return &ListPackagesTool{m: m}
}

// Definition returns the MCP tool definition for list_packages.
func (t *ListPackagesTool) Definition() mcp.Tool {
	return mcp.NewTool("list_packages",
		mcp.WithDescription("List the workspace packages found from the workspace manifest, with their build dependencies."),
		rootParam(),
	)
}

// Handle processes the list_packages tool call.
func (t *ListPackagesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.m.Session(req.GetString("root", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pkgs := s.Layout.Discover(s.Root)
	if len(pkgs) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No workspace packages found in %s.", s.Root)), nil
	}
	graph := dag.FromPackages(pkgs, s.BuildScript)

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Packages in %s\n\n", s.Root)
	for _, p := range pkgs {
		name := p.Name
		if name == "" {
			name = "(unnamed)"
		}
		rec, buildable := graph.Record(p.Name)
		switch {
		case !buildable:
			fmt.Fprintf(&sb, "- **%s** `%s` (no %q script)\n", name, p.RootPath, s.BuildScript)
		case len(rec.Dependencies) == 0:
			fmt.Fprintf(&sb, "- **%s** `%s`\n", name, p.RootPath)
		default:
			fmt.Fprintf(&sb, "- **%s** `%s` depends on: %s\n", name, p.RootPath, strings.Join(rec.Dependencies, ", "))
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// ─── detect_changes ──────────────────────────────────────────────────────────

// DetectTool handles the detect_changes MCP tool.
type DetectTool struct {
	m *Manager
}

// NewDetectTool creates a DetectTool.
func NewDetectTool(m *Manager) *DetectTool {
	return &DetectTool{m: m}
}

// Definition returns the MCP tool definition for detect_changes.
func (t *DetectTool) Definition() mcp.Tool {
	return mcp.NewTool("detect_changes",
		mcp.WithDescription(
			"Detect changed workspace packages and compute the ordered build targets, including "+
				"every package that transitively depends on a changed one. Makes the workspace ready for build_targets.",
		),
		rootParam(),
		mcp.WithArray("files",
			mcp.Description("Changed file paths (relative to root or absolute). When omitted, uncommitted git changes are used."),
			mcp.WithStringItems(),
		),
	)
}

// Handle processes the detect_changes tool call.
func (t *DetectTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.m.Session(req.GetString("root", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	det, err := s.Detect(ctx, sourceFor(req))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("detection aborted: %v", err)), nil
	}
	return mcp.NewToolResultText(formatDetection(s.Root, det)), nil
}

func formatDetection(root string, det pipeline.Detection) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Changes in %s\n\n", root)
	fmt.Fprintf(&sb, "- **Changed files**: %d\n", len(det.Files))
	fmt.Fprintf(&sb, "- **Changed packages**: %d\n", len(det.Changed))
	fmt.Fprintf(&sb, "- **Build targets**: %d\n", len(det.Targets))

	if len(det.Targets) > 0 {
		sb.WriteString("\n### Build order\n\n")
		for i, tg := range det.Targets {
			fmt.Fprintf(&sb, "%d. **%s** (%s)", i+1, tg.ModuleName, tg.Reason)
			if len(tg.DependedBy) > 0 {
				fmt.Fprintf(&sb, " via %s", strings.Join(tg.DependedBy, ", "))
			}
			sb.WriteString("\n")
		}
	}
	if len(det.Cycles) > 0 {
		sb.WriteString("\n### Dependency cycles\n\n")
		for _, c := range det.Cycles {
			fmt.Fprintf(&sb, "- %s (edge ignored for ordering)\n", c)
		}
	}
	return sb.String()
}

// ─── build_targets ───────────────────────────────────────────────────────────

// BuildTargetsTool handles the build_targets MCP tool.
type BuildTargetsTool struct {
	m *Manager
}

// NewBuildTargetsTool creates a BuildTargetsTool.
func NewBuildTargetsTool(m *Manager) *BuildTargetsTool {
	return &BuildTargetsTool{m: m}
}

// Definition returns the MCP tool definition for build_targets.
func (t *BuildTargetsTool) Definition() mcp.Tool {
	return mcp.NewTool("build_targets",
		mcp.WithDescription(
			"Build the targets computed by the last detect_changes call, in dependency order, and copy "+
				"their output into consumer projects. Does nothing unless detect_changes has completed.",
		),
		rootParam(),
	)
}

// Handle processes the build_targets tool call.
func (t *BuildTargetsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.m.Session(req.GetString("root", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := t.m.Env.Runner.BuildReady(ctx, s, history.TriggerManual)
	return runResult(res, err)
}

// ─── build_changed ───────────────────────────────────────────────────────────

// BuildChangedTool handles the build_changed MCP tool.
type BuildChangedTool struct {
	m *Manager
}

// NewBuildChangedTool creates a BuildChangedTool.
func NewBuildChangedTool(m *Manager) *BuildChangedTool {
	return &BuildChangedTool{m: m}
}

// Definition returns the MCP tool definition for build_changed.
func (t *BuildChangedTool) Definition() mcp.Tool {
	return mcp.NewTool("build_changed",
		mcp.WithDescription(
			"Detect changes, then build every affected package in dependency order and sync the output "+
				"to consumer projects. Equivalent to detect_changes followed by build_targets.",
		),
		rootParam(),
		mcp.WithArray("files",
			mcp.Description("Changed file paths (relative to root or absolute). When omitted, uncommitted git changes are used."),
			mcp.WithStringItems(),
		),
	)
}

// Handle processes the build_changed tool call.
func (t *BuildChangedTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.m.Session(req.GetString("root", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := t.m.Env.Runner.Run(ctx, s, sourceFor(req), history.TriggerManual)
	return runResult(res, err)
}

func runResult(res pipeline.RunResult, err error) (*mcp.CallToolResult, error) {
	if errors.Is(err, pipeline.ErrAborted) {
		return mcp.NewToolResultText("Run aborted before completion; nothing further was built."), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatRun(res)), nil
}

func formatRun(res pipeline.RunResult) string {
	var sb strings.Builder
	switch res.Status {
	case history.StatusSkipped:
		sb.WriteString("Build skipped: build targets are not ready. Run detect_changes first.\n")
		return sb.String()
	case history.StatusEmpty:
		sb.WriteString("Nothing to build: no changed workspace packages.\n")
		return sb.String()
	}

	fmt.Fprintf(&sb, "## Build %s\n\n", res.Status)
	fmt.Fprintf(&sb, "- **success**: %t\n", res.Success())
	fmt.Fprintf(&sb, "- **built**: %d\n", res.Build.Built)
	fmt.Fprintf(&sb, "- **failed**: %d\n", res.Build.Failed)
	if res.Build.Skipped > 0 {
		fmt.Fprintf(&sb, "- **skipped**: %d\n", res.Build.Skipped)
	}
	if res.Sync.Failed > 0 {
		fmt.Fprintf(&sb, "- **copies failed**: %d\n", res.Sync.Failed)
	}
	fmt.Fprintf(&sb, "- **duration**: %s\n", res.Duration.Round(time.Millisecond))
	if res.RunID != "" {
		fmt.Fprintf(&sb, "- **run**: %s\n", res.RunID)
	}

	if len(res.Build.Results) > 0 {
		sb.WriteString("\n### Packages\n\n")
		for _, r := range res.Build.Results {
			fmt.Fprintf(&sb, "- **%s**: %s", r.Target.ModuleName, r.Status)
			if r.Error != "" {
				fmt.Fprintf(&sb, " (%s)", r.Error)
			}
			sb.WriteString("\n")
		}
	}
	if len(res.Sync.Syncs) > 0 {
		fmt.Fprintf(&sb, "\n### Sync\n\n%s\n", res.Sync)
	}
	return sb.String()
}
