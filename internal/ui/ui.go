// Package ui renders command-line output for fdt. Everything goes to stderr
// so stdout stays free for the MCP transport.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/qingminglong/frontend-develop-tools/internal/builder"
	"github.com/qingminglong/frontend-develop-tools/internal/dag"
	"github.com/qingminglong/frontend-develop-tools/internal/history"
	"github.com/qingminglong/frontend-develop-tools/internal/pipeline"
	"github.com/qingminglong/frontend-develop-tools/internal/workspace"
)

// Semantic color palette.
var (
	colorPrimary = lipgloss.Color("#00BFFF") // Cyan: headings
	colorAccent  = lipgloss.Color("#FFD700") // Gold: dependents, warnings
	colorSuccess = lipgloss.Color("#00E676") // Green: built
	colorDanger  = lipgloss.Color("#FF5252") // Red: failures
	colorMuted   = lipgloss.Color("#8C8C8C") // Gray: detail text
)

const (
	iconDone    = "✓"
	iconFailed  = "✗"
	iconSkipped = "–"
	iconChanged = "●"
	iconDep     = "◆"
)

var (
	styleHeading = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	styleDanger  = lipgloss.NewStyle().Foreground(colorDanger).Bold(true)
	styleAccent  = lipgloss.NewStyle().Foreground(colorAccent)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	styleName    = lipgloss.NewStyle().Bold(true)
)

// Printer writes styled output for the CLI commands.
type Printer struct {
	w io.Writer
}

// New returns a Printer writing to stderr.
func New() *Printer {
	return &Printer{w: os.Stderr}
}

// NewWriter returns a Printer writing to w.
func NewWriter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

// Error prints an error line.
func (p *Printer) Error(msg string) {
	p.printf("%s %s\n", styleDanger.Render("error:"), msg)
}

// Info prints a muted informational line.
func (p *Printer) Info(msg string) {
	p.printf("%s\n", styleMuted.Render(msg))
}

// Packages lists the workspace packages and their in-graph dependencies.
// Packages outside the graph lack the build script.
func (p *Printer) Packages(root string, pkgs []workspace.Package, g *dag.Graph, buildScript string) {
	p.printf("%s %s\n", styleHeading.Render("packages"), styleMuted.Render(root))
	if len(pkgs) == 0 {
		p.printf("  %s\n", styleMuted.Render("(none found)"))
		return
	}
	for _, pkg := range pkgs {
		rec, ok := g.Record(pkg.Name)
		if !ok {
			p.printf("  %s %-24s %s\n", styleMuted.Render(iconSkipped), pkg.Name,
				styleMuted.Render(fmt.Sprintf("no %q script", buildScript)))
			continue
		}
		line := fmt.Sprintf("  %s %s", styleSuccess.Render(iconDep), styleName.Render(fmt.Sprintf("%-24s", pkg.Name)))
		if len(rec.Dependencies) > 0 {
			line += " " + styleMuted.Render("→ "+strings.Join(rec.Dependencies, ", "))
		}
		p.printf("%s\n", line)
	}
}

// Detection prints the changed files summary and the build order.
func (p *Printer) Detection(det pipeline.Detection) {
	p.printf("%s %d files, %d packages, %d targets\n", styleHeading.Render("changes"),
		len(det.Files), len(det.Changed), len(det.Targets))
	p.Targets(det.Targets)
	for _, c := range det.Cycles {
		p.printf("  %s %s\n", styleAccent.Render("cycle"), c)
	}
}

// Targets prints the ordered build targets.
func (p *Printer) Targets(targets []dag.BuildTarget) {
	for i, t := range targets {
		if t.Reason == dag.ReasonChanged {
			p.printf("  %2d. %s %s\n", i+1, styleSuccess.Render(iconChanged), styleName.Render(t.ModuleName))
			continue
		}
		p.printf("  %2d. %s %s %s\n", i+1, styleAccent.Render(iconDep), t.ModuleName,
			styleMuted.Render("via "+strings.Join(t.DependedBy, ", ")))
	}
}

// Run prints the outcome of a pipeline run.
func (p *Printer) Run(res pipeline.RunResult) {
	switch res.Status {
	case history.StatusSkipped:
		p.Info("build skipped: targets are not ready")
		return
	case history.StatusEmpty:
		p.Info("nothing to build")
		return
	case history.StatusAborted:
		p.printf("%s\n", styleAccent.Render("run aborted"))
		return
	}

	for _, r := range res.Build.Results {
		switch r.Status {
		case builder.StatusBuilt:
			p.printf("  %s %s %s\n", styleSuccess.Render(iconDone), r.Target.ModuleName,
				styleMuted.Render(r.Duration.Round(time.Millisecond).String()))
		case builder.StatusFailed:
			p.printf("  %s %s %s\n", styleDanger.Render(iconFailed), r.Target.ModuleName, styleDanger.Render(r.Error))
		default:
			p.printf("  %s %s %s\n", styleMuted.Render(iconSkipped), r.Target.ModuleName, styleMuted.Render(r.Error))
		}
	}
	for _, s := range res.Sync.Syncs {
		switch {
		case s.Error != "":
			p.printf("  %s sync %s → %s: %s\n", styleDanger.Render(iconFailed), s.Package, s.Consumer, s.Error)
		case s.Skipped != "":
			p.printf("  %s sync %s → %s %s\n", styleMuted.Render(iconSkipped), s.Package, s.Consumer, styleMuted.Render(s.Skipped))
		default:
			p.printf("  %s sync %s → %s %s\n", styleSuccess.Render(iconDone), s.Package, s.Consumer,
				styleMuted.Render(fmt.Sprintf("%d files, %s", s.Files, humanize.Bytes(uint64(s.Bytes)))))
		}
	}

	summary := fmt.Sprintf("built %d, failed %d in %s", res.Build.Built, res.Build.Failed, res.Duration.Round(time.Millisecond))
	if res.Sync.Failed > 0 {
		summary += fmt.Sprintf(", %d copies failed", res.Sync.Failed)
	}
	if res.Success() {
		p.printf("%s %s\n", styleSuccess.Render(iconDone+" success"), summary)
	} else {
		p.printf("%s %s\n", styleDanger.Render(iconFailed+" failed"), summary)
	}
}

// WatchStarted announces a running watch.
func (p *Printer) WatchStarted(root string, dirs int) {
	p.printf("%s %d source directories in %s %s\n", styleHeading.Render("watching"), dirs, root,
		styleMuted.Render("(ctrl-c to stop)"))
}

// History prints recorded runs, newest first.
func (p *Printer) History(runs []history.Run) {
	if len(runs) == 0 {
		p.Info("no recorded runs")
		return
	}
	for _, r := range runs {
		status := string(r.Status)
		switch r.Status {
		case history.StatusSuccess:
			status = styleSuccess.Render(status)
		case history.StatusFailed:
			status = styleDanger.Render(status)
		default:
			status = styleMuted.Render(status)
		}
		p.printf("  %-14s %s %s %d targets, %d built, %d failed %s\n",
			humanize.Time(r.StartedAt), status, styleMuted.Render(string(r.Trigger)),
			r.Targets, r.Built, r.Failed, styleMuted.Render(r.Root))
	}
}
