package dag

import (
	"slices"

	"github.com/qingminglong/frontend-develop-tools/internal/changes"
)

// Reason says why a package is in the build set.
type Reason string

const (
	// ReasonChanged marks a package with changed files.
	ReasonChanged Reason = "changed"
	// ReasonDependent marks a package that transitively depends on a
	// changed package.
	ReasonDependent Reason = "dependent"
)

// BuildTarget is a package slated for building.
type BuildTarget struct {
	ModuleName string `json:"moduleName"`
	ModulePath string `json:"modulePath"`
	Reason     Reason `json:"reason"`
	// DependedBy lists the changed packages that pulled this one in. Set
	// only when Reason is ReasonDependent.
	DependedBy []string `json:"dependedBy,omitempty"`
}

// FindDependents returns the changed modules followed by every package that
// transitively depends on one of them.
//
// Each changed module seeds a depth-first walk over reverse-dependency edges
// with its own visited set, so cycles terminate and a package reached from
// several seeds is listed once with every seed in DependedBy. A changed
// module reached from another seed stays ReasonChanged.
func FindDependents(changed []changes.ChangedModule, g *Graph) []BuildTarget {
	targets := make([]BuildTarget, 0, len(changed))
	pos := make(map[string]int, len(changed))
	var seeds []string
	for _, c := range changed {
		if _, dup := pos[c.ModuleName]; dup {
			continue
		}
		pos[c.ModuleName] = len(targets)
		targets = append(targets, BuildTarget{
			ModuleName: c.ModuleName,
			ModulePath: c.ModulePath,
			Reason:     ReasonChanged,
		})
		seeds = append(seeds, c.ModuleName)
	}

	type frame struct {
		edges []int
		next  int
	}

	for _, seed := range seeds {
		visited := make([]bool, len(g.records))
		if i, ok := g.index[seed]; ok {
			visited[i] = true
		}

		stack := []frame{{edges: g.dependents[seed]}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next >= len(top.edges) {
				stack = stack[:len(stack)-1]
				continue
			}
			idx := top.edges[top.next]
			top.next++
			if visited[idx] {
				continue
			}
			visited[idx] = true

			rec := g.records[idx]
			if p, ok := pos[rec.Name]; ok {
				t := &targets[p]
				if t.Reason == ReasonDependent && !slices.Contains(t.DependedBy, seed) {
					t.DependedBy = append(t.DependedBy, seed)
				}
			} else {
				pos[rec.Name] = len(targets)
				targets = append(targets, BuildTarget{
					ModuleName: rec.Name,
					ModulePath: rec.RootPath,
					Reason:     ReasonDependent,
					DependedBy: []string{seed},
				})
			}
			stack = append(stack, frame{edges: g.dependents[rec.Name]})
		}
	}
	return targets
}
