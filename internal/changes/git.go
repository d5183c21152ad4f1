package changes

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// gitQueries are unioned, in order: unstaged, staged, untracked. All three
// report paths relative to the directory git runs in.
var gitQueries = [][]string{
	{"diff", "--name-only", "--relative"},
	{"diff", "--cached", "--name-only", "--relative"},
	{"ls-files", "--others", "--exclude-standard"},
}

// GitSource reports uncommitted work (unstaged, staged and untracked files)
// using the git CLI.
type GitSource struct {
	// GitPath overrides the git binary; empty means "git" from PATH.
	GitPath string
}

// ChangedFiles returns repo-relative paths, deduplicated in first-seen order.
// Any git failure is logged and yields an empty list.
func (g GitSource) ChangedFiles(ctx context.Context, rootDir string) []string {
	seen := make(map[string]bool)
	var files []string
	for _, args := range gitQueries {
		out, err := g.run(ctx, rootDir, args...)
		if err != nil {
			log.WithError(err).Warnf("git change detection failed in %s", rootDir)
			return nil
		}
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || seen[line] {
				continue
			}
			seen[line] = true
			files = append(files, line)
		}
	}
	return files
}

func (g GitSource) run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := g.GitPath
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, append([]string{"-C", dir, "-c", "core.quotepath=off"}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
