package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qingminglong/frontend-develop-tools/internal/builder"
	"github.com/qingminglong/frontend-develop-tools/internal/config"
	"github.com/qingminglong/frontend-develop-tools/internal/dag"
	"github.com/qingminglong/frontend-develop-tools/internal/history"
	"github.com/qingminglong/frontend-develop-tools/internal/pipeline"
	"github.com/qingminglong/frontend-develop-tools/internal/testutil"
	"github.com/qingminglong/frontend-develop-tools/internal/workspace"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

type recordingBuilder struct {
	mu    sync.Mutex
	calls [][]string
	fail  map[string]bool
}

func (b *recordingBuilder) RunAll(ctx context.Context, targets []dag.BuildTarget) (builder.Report, error) {
	var rep builder.Report
	var names []string
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		names = append(names, t.ModuleName)
		res := builder.Result{Target: t, Status: builder.StatusBuilt}
		if b.fail[t.ModuleName] {
			res.Status = builder.StatusFailed
			res.Error = "exit status 1"
			rep.Failed++
		} else {
			rep.Built++
		}
		rep.Results = append(rep.Results, res)
	}
	b.mu.Lock()
	b.calls = append(b.calls, names)
	b.mu.Unlock()
	return rep, nil
}

func (b *recordingBuilder) Calls() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]string(nil), b.calls...)
}

func newTestEnv(t *testing.T, b pipeline.Builder) *pipeline.Env {
	t.Helper()
	store, err := history.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Config{BuildScript: "build"}
	cfg.Watch.Debounce = 20 * time.Millisecond
	cfg.Watch.PollInterval = 10 * time.Millisecond
	return &pipeline.Env{
		Config:  cfg,
		Layout:  workspace.DefaultLayout(),
		Runner:  &pipeline.Runner{Builder: b, History: store},
		History: store,
	}
}

// libAppWorkspace is lib-a <- app-b, plus docs without a build script.
func libAppWorkspace(t *testing.T) *testutil.Workspace {
	t.Helper()
	ws := testutil.NewWorkspace(t, "packages/*")
	ws.AddPackage(testutil.PackageSpec{Dir: "packages/lib-a", Name: "lib-a"})
	ws.AddPackage(testutil.PackageSpec{Dir: "packages/app-b", Name: "app-b", Deps: []string{"lib-a"}})
	ws.AddPackage(testutil.PackageSpec{Dir: "packages/docs", Name: "docs", Scripts: map[string]string{"dev": "vite"}})
	return ws
}

func newTestManager(t *testing.T, root string, b pipeline.Builder) *Manager {
	t.Helper()
	m, err := NewManager(newTestEnv(t, b), root, 4)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// makeReq builds a mcp.CallToolRequest with the given arguments.
func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// resultText extracts the text content from a tool result.
func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func call(t *testing.T, tl Tool, args map[string]interface{}) (string, bool) {
	t.Helper()
	res, err := tl.Handle(context.Background(), makeReq(args))
	require.NoError(t, err)
	require.NotNil(t, res)
	return resultText(res), res.IsError
}

// ─── Registration ────────────────────────────────────────────────────────────

func TestTools_Definitions(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &recordingBuilder{})

	var names []string
	for _, tl := range Tools(m) {
		def := tl.Definition()
		names = append(names, def.Name)
		assert.NotEmpty(t, def.Description, def.Name)
		_, hasRoot := def.InputSchema.Properties["root"]
		assert.True(t, hasRoot, "%s should accept root", def.Name)
	}
	assert.Equal(t, []string{
		"list_packages", "detect_changes", "build_targets", "build_changed",
		"start_watch", "stop_watch", "watch_status", "build_history",
	}, names)
}

func TestNew(t *testing.T) {
	s, m, err := New(newTestEnv(t, &recordingBuilder{}), t.TempDir(), 0)
	require.NoError(t, err)
	defer m.Close()
	assert.NotNil(t, s)
}

// ─── Manager ─────────────────────────────────────────────────────────────────

func TestManager_SessionCachedPerRoot(t *testing.T) {
	ws := libAppWorkspace(t)
	m := newTestManager(t, ws.Root, &recordingBuilder{})

	a, err := m.Session("")
	require.NoError(t, err)
	b, err := m.Session(ws.Root)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestManager_ResolveRejectsFiles(t *testing.T) {
	ws := libAppWorkspace(t)
	m := newTestManager(t, ws.Root, &recordingBuilder{})

	_, err := m.Resolve(filepath.Join(ws.Root, "pnpm-workspace.yaml"))
	require.Error(t, err)
	_, err = m.Resolve(filepath.Join(ws.Root, "missing"))
	require.Error(t, err)
}

func TestManager_StopWithoutWatch(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &recordingBuilder{})
	_, err := m.StopWatch("")
	require.ErrorIs(t, err, ErrNotWatching)
}

func TestManager_WatchLifecycle(t *testing.T) {
	ws := libAppWorkspace(t)
	m := newTestManager(t, ws.Root, &recordingBuilder{})

	st, err := m.StartWatch("")
	require.NoError(t, err)
	assert.Len(t, st.Dirs, 3)

	_, err = m.StartWatch(ws.Root)
	require.ErrorIs(t, err, ErrAlreadyWatching)

	// A watched root shares its session with the watch loop.
	s, err := m.Session("")
	require.NoError(t, err)
	assert.Equal(t, ws.Root, s.Root)

	statuses, err := m.WatchStatus("")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, ws.Root, statuses[0].Root)

	_, err = m.StopWatch("")
	require.NoError(t, err)
	statuses, err = m.WatchStatus("")
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

// ─── Tools ───────────────────────────────────────────────────────────────────

func TestListPackagesTool(t *testing.T) {
	ws := libAppWorkspace(t)
	m := newTestManager(t, ws.Root, &recordingBuilder{})

	text, isErr := call(t, NewListPackagesTool(m), nil)
	require.False(t, isErr, text)
	assert.Contains(t, text, "**lib-a**")
	assert.Contains(t, text, "**app-b**")
	assert.Contains(t, text, "depends on: lib-a")
	assert.Contains(t, text, `(no "build" script)`)
}

func TestListPackagesTool_EmptyWorkspace(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &recordingBuilder{})
	text, isErr := call(t, NewListPackagesTool(m), nil)
	assert.False(t, isErr)
	assert.Contains(t, text, "No workspace packages found")
}

func TestListPackagesTool_BadRoot(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &recordingBuilder{})
	_, isErr := call(t, NewListPackagesTool(m), map[string]interface{}{"root": "/does/not/exist"})
	assert.True(t, isErr)
}

func TestDetectTool_WithFiles(t *testing.T) {
	ws := libAppWorkspace(t)
	m := newTestManager(t, ws.Root, &recordingBuilder{})

	text, isErr := call(t, NewDetectTool(m), map[string]interface{}{
		"files": []interface{}{"packages/lib-a/src/index.ts"},
	})
	require.False(t, isErr, text)
	assert.Contains(t, text, "**Build targets**: 2")
	assert.Contains(t, text, "1. **lib-a** (changed)")
	assert.Contains(t, text, "2. **app-b** (dependent) via lib-a")

	s, err := m.Session("")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateReady, s.State())
}

func TestDetectTool_FilesAsString(t *testing.T) {
	ws := libAppWorkspace(t)
	m := newTestManager(t, ws.Root, &recordingBuilder{})

	text, isErr := call(t, NewDetectTool(m), map[string]interface{}{
		"files": "packages/app-b/src/index.ts, README.md",
	})
	require.False(t, isErr, text)
	assert.Contains(t, text, "**Changed files**: 2")
	assert.Contains(t, text, "**Build targets**: 1")
}

func TestDetectTool_GitChanges(t *testing.T) {
	ws := libAppWorkspace(t)
	testutil.InitGitRepo(t, ws.Root)
	testutil.Git(t, ws.Root, "add", "-A")
	testutil.Git(t, ws.Root, "commit", "-q", "-m", "init")
	testutil.WriteFile(t, filepath.Join(ws.Root, "packages", "app-b", "src", "new.ts"), "export const x = 1\n")

	m := newTestManager(t, ws.Root, &recordingBuilder{})
	text, isErr := call(t, NewDetectTool(m), nil)
	require.False(t, isErr, text)
	assert.Contains(t, text, "1. **app-b** (changed)")
}

func TestBuildTargetsTool_NotReady(t *testing.T) {
	ws := libAppWorkspace(t)
	b := &recordingBuilder{}
	m := newTestManager(t, ws.Root, b)

	text, isErr := call(t, NewBuildTargetsTool(m), nil)
	assert.False(t, isErr)
	assert.Contains(t, text, "Build skipped")
	assert.Empty(t, b.Calls())
}

func TestBuildTargetsTool_AfterDetect(t *testing.T) {
	ws := libAppWorkspace(t)
	b := &recordingBuilder{}
	m := newTestManager(t, ws.Root, b)

	_, isErr := call(t, NewDetectTool(m), map[string]interface{}{
		"files": []interface{}{"packages/lib-a/src/index.ts"},
	})
	require.False(t, isErr)

	text, isErr := call(t, NewBuildTargetsTool(m), nil)
	require.False(t, isErr, text)
	assert.Contains(t, text, "**success**: true")
	assert.Contains(t, text, "**built**: 2")
	assert.Contains(t, text, "**failed**: 0")
	assert.Equal(t, [][]string{{"lib-a", "app-b"}}, b.Calls())
}

func TestBuildChangedTool_ReportsFailures(t *testing.T) {
	ws := libAppWorkspace(t)
	b := &recordingBuilder{fail: map[string]bool{"app-b": true}}
	m := newTestManager(t, ws.Root, b)

	text, isErr := call(t, NewBuildChangedTool(m), map[string]interface{}{
		"files": []interface{}{"packages/lib-a/src/index.ts"},
	})
	require.False(t, isErr, text)
	assert.Contains(t, text, "**success**: false")
	assert.Contains(t, text, "**built**: 1")
	assert.Contains(t, text, "**failed**: 1")
	assert.Contains(t, text, "**app-b**: failed (exit status 1)")
}

func TestBuildChangedTool_NothingChanged(t *testing.T) {
	ws := libAppWorkspace(t)
	b := &recordingBuilder{}
	m := newTestManager(t, ws.Root, b)

	text, isErr := call(t, NewBuildChangedTool(m), map[string]interface{}{
		"files": []interface{}{"README.md"},
	})
	require.False(t, isErr)
	assert.Contains(t, text, "Nothing to build")
	assert.Empty(t, b.Calls())
}

func TestHistoryTool(t *testing.T) {
	ws := libAppWorkspace(t)
	m := newTestManager(t, ws.Root, &recordingBuilder{})

	text, _ := call(t, NewHistoryTool(m), nil)
	assert.Contains(t, text, "No recorded runs")

	for i := 0; i < 3; i++ {
		_, isErr := call(t, NewBuildChangedTool(m), map[string]interface{}{
			"files": []interface{}{"packages/lib-a/src/index.ts"},
		})
		require.False(t, isErr)
	}

	text, isErr := call(t, NewHistoryTool(m), map[string]interface{}{"limit": float64(2)})
	require.False(t, isErr, text)
	assert.Equal(t, 2, strings.Count(text, "**success** (manual)"))
	assert.Contains(t, text, "2 targets, 2 built, 0 failed")
}

func TestHistoryTool_Disabled(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &recordingBuilder{})
	m.Env.History = nil
	_, isErr := call(t, NewHistoryTool(m), nil)
	assert.True(t, isErr)
}

func TestWatchTools_RebuildOnChange(t *testing.T) {
	ws := libAppWorkspace(t)
	b := &recordingBuilder{}
	m := newTestManager(t, ws.Root, b)

	text, isErr := call(t, NewStartWatchTool(m), nil)
	require.False(t, isErr, text)
	assert.Contains(t, text, "Watching 3 source directories")

	text, _ = call(t, NewWatchStatusTool(m), nil)
	assert.Contains(t, text, ws.Root)

	require.Eventually(t, func() bool {
		statuses, err := m.WatchStatus("")
		return err == nil && len(statuses) == 1 && statuses[0].Running
	}, 5*time.Second, 10*time.Millisecond)

	src := filepath.Join(ws.Root, "packages", "lib-a", "src", "index.ts")
	require.NoError(t, os.WriteFile(src, []byte("export const changed = true\n"), 0o644))

	require.Eventually(t, func() bool {
		return len(b.Calls()) > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"lib-a", "app-b"}, b.Calls()[0])

	text, isErr = call(t, NewStopWatchTool(m), nil)
	require.False(t, isErr, text)
	assert.Contains(t, text, "Stopped watching")

	text, _ = call(t, NewWatchStatusTool(m), nil)
	assert.Equal(t, "No active watches.", text)
}

func TestStartWatchTool_NoPackages(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &recordingBuilder{})
	text, isErr := call(t, NewStartWatchTool(m), nil)
	assert.True(t, isErr)
	assert.Contains(t, text, "failed to start watch")
}
