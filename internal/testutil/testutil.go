// Package testutil builds throwaway monorepo workspaces for tests.
package testutil

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// PackageSpec describes a package to create in a test workspace.
type PackageSpec struct {
	Dir     string            // relative to the workspace root
	Name    string            // manifest name
	Deps    []string          // production dependencies, in order
	DevDeps []string          // development dependencies, in order
	Scripts map[string]string // nil gets {"build": "echo build"}
	NoSrc   bool              // skip creating src/
}

// Workspace is an on-disk pnpm workspace rooted in a temp dir.
type Workspace struct {
	t    *testing.T
	Root string
}

// NewWorkspace writes pnpm-workspace.yaml listing patterns into a new temp dir.
func NewWorkspace(t *testing.T, patterns ...string) *Workspace {
	t.Helper()
	root := t.TempDir()
	var b strings.Builder
	b.WriteString("packages:\n")
	for _, p := range patterns {
		b.WriteString("  - '" + p + "'\n")
	}
	WriteFile(t, filepath.Join(root, "pnpm-workspace.yaml"), b.String())
	return &Workspace{t: t, Root: root}
}

// AddPackage creates the package directory, its manifest and src/index.ts.
// It returns the absolute package root.
func (w *Workspace) AddPackage(spec PackageSpec) string {
	w.t.Helper()
	dir := filepath.Join(w.Root, filepath.FromSlash(spec.Dir))

	scripts := spec.Scripts
	if scripts == nil {
		scripts = map[string]string{"build": "echo build"}
	}
	// Dependencies are written by hand to keep their declaration order.
	var b strings.Builder
	b.WriteString("{\n")
	b.WriteString(`  "name": ` + quote(spec.Name) + ",\n")
	b.WriteString(`  "version": "1.0.0",` + "\n")
	b.WriteString(`  "scripts": ` + mustJSON(w.t, scripts))
	writeDeps(&b, "dependencies", spec.Deps)
	writeDeps(&b, "devDependencies", spec.DevDeps)
	b.WriteString("\n}\n")
	WriteFile(w.t, filepath.Join(dir, "package.json"), b.String())

	if !spec.NoSrc {
		WriteFile(w.t, filepath.Join(dir, "src", "index.ts"), "export {}\n")
	}
	return dir
}

func writeDeps(b *strings.Builder, field string, deps []string) {
	if len(deps) == 0 {
		return
	}
	b.WriteString(",\n  " + quote(field) + ": {")
	for i, d := range deps {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(quote(d) + `: "workspace:*"`)
	}
	b.WriteString("}")
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// InitGitRepo initializes a git repository in dir, skipping the test when git
// is not installed.
func InitGitRepo(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.name", "Test User"},
		{"config", "user.email", "test@example.com"},
		{"config", "commit.gpgsign", "false"},
	} {
		Git(t, dir, args...)
	}
}

// Git runs a git command in dir and fails the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
	return string(out)
}

func quote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
