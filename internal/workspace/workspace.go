// Package workspace discovers the packages of a pnpm-style monorepo from its
// workspace manifest and reads their package manifests.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/qingminglong/frontend-develop-tools/internal/logging"
)

var log = logging.NewLogger("workspace")

// Package is a buildable unit of the workspace. Identity is Name.
type Package struct {
	Name         string `json:"name"`
	RootPath     string `json:"rootPath"`
	SourcePath   string `json:"sourcePath"`
	ManifestPath string `json:"manifestPath"`
}

// Contains reports whether absPath lies inside the package root. Containment
// is path based: "pkgs/foo-bar" is not inside "pkgs/foo".
func (p Package) Contains(absPath string) bool {
	rel, err := filepath.Rel(p.RootPath, absPath)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// Layout names the files that make up a workspace on disk.
type Layout struct {
	WorkspaceManifest string
	PackageManifest   string
	SourceDir         string
}

// DefaultLayout is the pnpm layout.
func DefaultLayout() Layout {
	return Layout{
		WorkspaceManifest: "pnpm-workspace.yaml",
		PackageManifest:   "package.json",
		SourceDir:         "src",
	}
}

// WorkspaceManifest is the parsed workspace manifest: the ordered package
// glob patterns.
type WorkspaceManifest struct {
	Packages []string `yaml:"packages"`
}

// ReadWorkspaceManifest parses the workspace manifest at path. A missing file
// wraps both ErrNoManifest and fs.ErrNotExist.
func ReadWorkspaceManifest(path string) (WorkspaceManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return WorkspaceManifest{}, fmt.Errorf("%w: %w", ErrNoManifest, err)
		}
		return WorkspaceManifest{}, err
	}
	var m WorkspaceManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return WorkspaceManifest{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

// DiscoverPackages resolves rootDir's workspace manifest with the default
// layout.
func DiscoverPackages(rootDir string) []Package {
	return DefaultLayout().Discover(rootDir)
}

// Discover resolves the workspace manifest of rootDir into packages.
//
// Patterns starting with "!" are skipped and do not filter other matches.
// Overlapping patterns yield duplicate entries. A missing manifest yields an
// empty list.
func (l Layout) Discover(rootDir string) []Package {
	if abs, err := filepath.Abs(rootDir); err == nil {
		rootDir = abs
	}
	manifestPath := filepath.Join(rootDir, l.WorkspaceManifest)
	wm, err := ReadWorkspaceManifest(manifestPath)
	if err != nil {
		if errors.Is(err, ErrNoManifest) {
			log.Infof("no workspace manifest at %s", manifestPath)
		} else {
			log.WithError(err).Warnf("skipping unreadable workspace manifest %s", manifestPath)
		}
		return nil
	}

	fsys := os.DirFS(rootDir)
	var packages []Package
	for _, pattern := range wm.Packages {
		if strings.HasPrefix(pattern, "!") {
			log.Debugf("exclusion pattern %q is not applied", pattern)
			continue
		}
		matches, err := l.expand(fsys, pattern)
		if err != nil {
			log.WithError(err).Warnf("skipping workspace pattern %q", pattern)
			continue
		}
		for _, match := range matches {
			if pkg, ok := l.packageAt(filepath.Join(rootDir, filepath.FromSlash(match))); ok {
				packages = append(packages, pkg)
			}
		}
	}
	return packages
}

// expand globs one include pattern relative to the workspace root.
func (l Layout) expand(fsys fs.FS, pattern string) ([]string, error) {
	p := path.Clean(strings.TrimPrefix(filepath.ToSlash(pattern), "./"))
	if p == "." {
		return []string{"."}, nil
	}
	if path.IsAbs(p) || p == ".." || strings.HasPrefix(p, "../") {
		return nil, fmt.Errorf("pattern escapes the workspace root")
	}
	if !doublestar.ValidatePattern(p) {
		return nil, doublestar.ErrBadPattern
	}
	return doublestar.Glob(fsys, p)
}

// packageAt builds a Package for dir when it has both a source directory and
// a manifest. The name comes from the manifest; an unreadable manifest leaves
// it empty and is reported again wherever the name is needed.
func (l Layout) packageAt(dir string) (Package, bool) {
	src := filepath.Join(dir, l.SourceDir)
	manifestPath := filepath.Join(dir, l.PackageManifest)
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return Package{}, false
	}
	if info, err := os.Stat(manifestPath); err != nil || info.IsDir() {
		return Package{}, false
	}

	pkg := Package{RootPath: dir, SourcePath: src, ManifestPath: manifestPath}
	m, err := ReadManifest(manifestPath)
	if err != nil {
		log.WithError(err).Warnf("package at %s has an invalid manifest", dir)
		return pkg, true
	}
	pkg.Name = m.Name
	return pkg, true
}
