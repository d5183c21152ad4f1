package linker

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/qingminglong/frontend-develop-tools/internal/dag"
	"github.com/qingminglong/frontend-develop-tools/internal/logging"
)

var log = logging.NewLogger("linker")

// DefaultOutputDirs are the build output directories copied when neither the
// manifest nor the consumer names any.
var DefaultOutputDirs = []string{"dist", "lib", "es"}

// maxConcurrentConsumers bounds how many consumers are synced at once.
const maxConcurrentConsumers = 4

// Sync is the outcome of copying one package into one consumer.
type Sync struct {
	Package  string `json:"package"`
	Consumer string `json:"consumer"`
	Dest     string `json:"dest"`
	Files    int    `json:"files"`
	Bytes    int64  `json:"bytes"`
	Skipped  string `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Report summarizes a sync pass.
type Report struct {
	Syncs  []Sync `json:"syncs"`
	Files  int    `json:"files"`
	Bytes  int64  `json:"bytes"`
	Failed int    `json:"failed"`
}

// String summarizes the report in one line.
func (r Report) String() string {
	copied := 0
	for _, s := range r.Syncs {
		if s.Skipped == "" && s.Error == "" {
			copied++
		}
	}
	msg := fmt.Sprintf("synced %d package copies: %d files, %s", copied, r.Files, humanize.Bytes(uint64(r.Bytes)))
	if r.Failed > 0 {
		msg += fmt.Sprintf(", %d failed", r.Failed)
	}
	return msg
}

// Linker copies build output from workspace packages into consumers.
type Linker struct {
	Root       string
	Manifest   *Manifest
	OutputDirs []string
	// ManifestName is the package manifest copied alongside the output.
	ManifestName string
}

// New returns a Linker for the workspace root. outputDirs may be nil.
func New(root string, m *Manifest, outputDirs []string) *Linker {
	if len(outputDirs) == 0 {
		outputDirs = DefaultOutputDirs
	}
	if m == nil {
		m = &Manifest{}
	}
	return &Linker{Root: root, Manifest: m, OutputDirs: outputDirs, ManifestName: "package.json"}
}

// Load reads the link manifest at manifestPath (relative to root unless
// absolute) and returns a Linker for it.
func Load(root, manifestPath string, outputDirs []string) (*Linker, error) {
	if manifestPath == "" {
		manifestPath = DefaultManifestPath
	}
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(root, manifestPath)
	}
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	return New(root, m, outputDirs), nil
}

// Sync copies each built package into every consumer that has it installed.
// Consumers are processed concurrently; a copy failure is recorded in the
// report and does not stop other copies. Only cancellation returns an error.
func (l *Linker) Sync(ctx context.Context, built []dag.BuildTarget) (Report, error) {
	if len(l.Manifest.Consumers) == 0 || len(built) == 0 {
		return Report{}, nil
	}

	perConsumer := make([][]Sync, len(l.Manifest.Consumers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentConsumers)
	for i, c := range l.Manifest.Consumers {
		g.Go(func() error {
			syncs, err := l.syncConsumer(gctx, c, built)
			mu.Lock()
			perConsumer[i] = syncs
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()

	var rep Report
	for _, syncs := range perConsumer {
		for _, s := range syncs {
			rep.Syncs = append(rep.Syncs, s)
			rep.Files += s.Files
			rep.Bytes += s.Bytes
			if s.Error != "" {
				rep.Failed++
			}
		}
	}
	if err != nil {
		return rep, err
	}
	log.Infof("%s", rep)
	return rep, nil
}

func (l *Linker) syncConsumer(ctx context.Context, c Consumer, built []dag.BuildTarget) ([]Sync, error) {
	consumerRoot := c.Path
	if !filepath.IsAbs(consumerRoot) {
		consumerRoot = filepath.Join(l.Root, consumerRoot)
	}
	dirs := c.OutputDirs
	if len(dirs) == 0 {
		dirs = l.Manifest.OutputDirs
	}
	if len(dirs) == 0 {
		dirs = l.OutputDirs
	}

	var syncs []Sync
	for _, t := range built {
		if !c.Wants(t.ModuleName) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return syncs, err
		}
		dest := filepath.Join(consumerRoot, "node_modules", filepath.FromSlash(t.ModuleName))
		s := Sync{Package: t.ModuleName, Consumer: consumerRoot, Dest: dest}

		switch reason := installState(t.ModulePath, dest); {
		case reason != "":
			s.Skipped = reason
			log.Debugf("skipping %s in %s: %s", t.ModuleName, consumerRoot, reason)
		default:
			files, n, err := l.copyPackage(ctx, t.ModulePath, dest, dirs)
			s.Files, s.Bytes = files, n
			if err != nil {
				if ctx.Err() != nil {
					return syncs, ctx.Err()
				}
				s.Error = err.Error()
				log.WithError(err).Warnf("sync %s into %s", t.ModuleName, consumerRoot)
			}
		}
		syncs = append(syncs, s)
	}
	return syncs, nil
}

// installState returns a non-empty reason when dest should not be written.
func installState(src, dest string) string {
	info, err := os.Stat(dest)
	if err != nil || !info.IsDir() {
		return "not installed"
	}
	realSrc, err1 := filepath.EvalSymlinks(src)
	realDest, err2 := filepath.EvalSymlinks(dest)
	if err1 == nil && err2 == nil && realSrc == realDest {
		return "linked to workspace"
	}
	return ""
}

// copyPackage replaces each output dir under dest with the one from src and
// copies the package manifest.
func (l *Linker) copyPackage(ctx context.Context, src, dest string, dirs []string) (int, int64, error) {
	files := 0
	var total int64
	for _, dir := range dirs {
		from := filepath.Join(src, dir)
		if info, err := os.Stat(from); err != nil || !info.IsDir() {
			continue
		}
		to := filepath.Join(dest, dir)
		if err := os.RemoveAll(to); err != nil {
			return files, total, fmt.Errorf("clearing %s: %w", to, err)
		}
		n, b, err := copyTree(ctx, from, to)
		files += n
		total += b
		if err != nil {
			return files, total, err
		}
	}

	manifest := filepath.Join(src, l.ManifestName)
	if _, err := os.Stat(manifest); err == nil {
		b, err := copyFile(manifest, filepath.Join(dest, l.ManifestName))
		if err != nil {
			return files, total, err
		}
		files++
		total += b
	}
	return files, total, nil
}

func copyTree(ctx context.Context, from, to string) (int, int64, error) {
	files := 0
	var total int64
	err := filepath.WalkDir(from, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(from, path)
		if err != nil {
			return err
		}
		target := filepath.Join(to, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		n, err := copyFile(path, target)
		if err != nil {
			return err
		}
		files++
		total += n
		return nil
	})
	return files, total, err
}

func copyFile(from, to string) (int64, error) {
	in, err := os.Open(from)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("copying %s: %w", from, err)
	}
	return n, nil
}
