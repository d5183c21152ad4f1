package changes

import (
	"path/filepath"

	"github.com/qingminglong/frontend-develop-tools/internal/workspace"
)

// ChangedModule is a package that owns at least one changed file.
type ChangedModule struct {
	ModuleName string `json:"moduleName"`
	ModulePath string `json:"modulePath"`
}

// MapChangesToModules maps each changed file to the first package containing
// it and returns one ChangedModule per declared package name, in the order
// the names were first seen. Files outside every package and packages whose
// manifest cannot be read are skipped. Each manifest is read at most once per
// call.
func MapChangesToModules(changedFiles []string, packages []workspace.Package, rootDir string) []ChangedModule {
	seen := make(map[string]bool)
	names := make(map[string]string) // manifest path -> declared name, "" if unreadable
	var modules []ChangedModule
	for _, file := range changedFiles {
		abs := file
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(rootDir, filepath.FromSlash(file))
		}

		pkg, ok := owner(abs, packages)
		if !ok {
			log.Debugf("%s is outside every workspace package", file)
			continue
		}

		name, cached := names[pkg.ManifestPath]
		if !cached {
			if m, err := workspace.ReadManifest(pkg.ManifestPath); err != nil {
				log.WithError(err).Warnf("cannot read name of package owning %s", file)
			} else {
				name = m.Name
			}
			names[pkg.ManifestPath] = name
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		modules = append(modules, ChangedModule{ModuleName: name, ModulePath: pkg.RootPath})
	}
	return modules
}

func owner(abs string, packages []workspace.Package) (workspace.Package, bool) {
	for _, pkg := range packages {
		if pkg.Contains(abs) {
			return pkg, true
		}
	}
	return workspace.Package{}, false
}
