// Package builder runs package build scripts through the workspace package
// manager.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/qingminglong/frontend-develop-tools/internal/dag"
	"github.com/qingminglong/frontend-develop-tools/internal/logging"
	"github.com/qingminglong/frontend-develop-tools/internal/workspace"
)

var log = logging.NewLogger("builder")

const (
	// DefaultPackageManager runs build scripts when none is configured.
	DefaultPackageManager = "pnpm"
	// DefaultTimeout bounds a single package build.
	DefaultTimeout = 5 * time.Minute

	// maxOutput bounds the captured output kept per build; the tail is kept.
	maxOutput = 16 << 10
)

// ErrTimeout is wrapped by results whose build exceeded the timeout.
var ErrTimeout = errors.New("build timed out")

// Status is the outcome of one package build.
type Status string

// Build statuses.
const (
	StatusBuilt   Status = "built"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result is the outcome of building one target.
type Result struct {
	Target   dag.BuildTarget `json:"target"`
	Status   Status          `json:"status"`
	Duration time.Duration   `json:"duration"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Report summarizes a sequence of builds.
type Report struct {
	Results []Result `json:"results"`
	Built   int      `json:"built"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
}

// Success reports whether no build failed.
func (r Report) Success() bool {
	return r.Failed == 0
}

// BuiltTargets returns the targets that built successfully, in build order.
func (r Report) BuiltTargets() []dag.BuildTarget {
	var out []dag.BuildTarget
	for _, res := range r.Results {
		if res.Status == StatusBuilt {
			out = append(out, res.Target)
		}
	}
	return out
}

// Executor runs `<PackageManager> run <Script>` in a package root.
type Executor struct {
	PackageManager string
	Script         string
	Timeout        time.Duration
	// ManifestName is the package manifest file inside each package root.
	ManifestName string
}

// New returns an Executor with defaults for empty fields.
func New(packageManager, script string, timeout time.Duration) *Executor {
	if packageManager == "" {
		packageManager = DefaultPackageManager
	}
	if script == "" {
		script = dag.DefaultBuildScript
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{
		PackageManager: packageManager,
		Script:         script,
		Timeout:        timeout,
		ManifestName:   workspace.DefaultLayout().PackageManifest,
	}
}

// Build builds a single target. Packages that do not declare the build
// script are skipped. A failing or timed-out build is reported in the
// result, never as a panic or process exit.
func (e *Executor) Build(ctx context.Context, t dag.BuildTarget) Result {
	res := Result{Target: t}

	m, err := workspace.ReadManifest(filepath.Join(t.ModulePath, e.ManifestName))
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		log.WithError(err).Warnf("cannot build %s", t.ModuleName)
		return res
	}
	if !m.HasScript(e.Script) {
		res.Status = StatusSkipped
		log.Infof("%s has no %q script, skipping", t.ModuleName, e.Script)
		return res
	}

	runCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.PackageManager, "run", e.Script)
	cmd.Dir = t.ModulePath
	cmd.WaitDelay = 5 * time.Second
	setProcessGroup(cmd)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	log.Infof("building %s", t.ModuleName)
	start := time.Now()
	err = cmd.Run()
	res.Duration = time.Since(start)
	res.Output = tail(out.String(), maxOutput)
	if res.Output != "" {
		log.Debugf("%s output:\n%s", t.ModuleName, res.Output)
	}

	switch {
	case err == nil:
		res.Status = StatusBuilt
		log.Infof("built %s in %s", t.ModuleName, res.Duration.Round(time.Millisecond))
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Status = StatusFailed
		res.Error = fmt.Errorf("%w after %s", ErrTimeout, e.Timeout).Error()
		log.Warnf("build of %s timed out after %s", t.ModuleName, e.Timeout)
	default:
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("%s run %s: %v", e.PackageManager, e.Script, err)
		if ctx.Err() == nil {
			log.WithError(err).Warnf("build of %s failed", t.ModuleName)
		}
	}
	return res
}

// RunAll builds targets in order. A failed build does not stop the others.
// If ctx is cancelled between builds, RunAll stops and returns the partial
// report with the context error.
func (e *Executor) RunAll(ctx context.Context, targets []dag.BuildTarget) (Report, error) {
	var rep Report
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res := e.Build(ctx, t)
		if ctx.Err() != nil && res.Status == StatusFailed {
			// Killed by cancellation, not a real failure.
			return rep, ctx.Err()
		}
		rep.add(res)
	}
	return rep, nil
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
	switch res.Status {
	case StatusBuilt:
		r.Built++
	case StatusFailed:
		r.Failed++
	case StatusSkipped:
		r.Skipped++
	}
}

func tail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
