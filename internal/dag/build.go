package dag

import (
	"github.com/qingminglong/frontend-develop-tools/internal/logging"
	"github.com/qingminglong/frontend-develop-tools/internal/workspace"
)

var log = logging.NewLogger("dag")

// DefaultBuildScript is the script a package must declare to join the graph.
const DefaultBuildScript = "build"

// BuildDependencyMap discovers the packages under rootDir with the default
// layout and builds their graph.
func BuildDependencyMap(rootDir string) *Graph {
	return FromPackages(workspace.DiscoverPackages(rootDir), DefaultBuildScript)
}

// FromPackages reads every package manifest and adds the packages declaring
// buildScript to a new graph. Unreadable manifests are skipped with a
// diagnostic; repeated names keep the first package.
func FromPackages(packages []workspace.Package, buildScript string) *Graph {
	g := New()
	for _, pkg := range packages {
		m, err := workspace.ReadManifest(pkg.ManifestPath)
		if err != nil {
			log.WithError(err).Warnf("skipping %s in dependency graph", pkg.RootPath)
			continue
		}
		if !m.HasScript(buildScript) {
			log.Debugf("%s has no %q script, not part of the build graph", m.Name, buildScript)
			continue
		}
		if g.Has(m.Name) {
			log.Debugf("%s already in the graph, ignoring %s", m.Name, pkg.RootPath)
			continue
		}
		// Add cannot fail: the name was checked above.
		_ = g.Add(Record{Name: m.Name, RootPath: pkg.RootPath, Dependencies: m.Dependencies})
	}
	if g.Len() == 0 {
		log.Infof("no buildable packages found")
	}
	return g
}
