// Package dag provides the dependency graph of buildable workspace packages.
// It supports reverse-dependency closure (which packages are affected by a
// change) and build ordering (dependencies before dependents), both of which
// tolerate dependency cycles.
package dag

import (
	"errors"
	"fmt"
)

// ErrDuplicateNode is returned when adding a record whose name already exists.
var ErrDuplicateNode = errors.New("duplicate node")

// Record is one buildable package and the names it declares as dependencies.
type Record struct {
	Name         string   `json:"name"`
	RootPath     string   `json:"rootPath"`
	Dependencies []string `json:"dependencies"`
}

// Graph stores records in an arena indexed by insertion order. Edges point
// from a package to its dependencies; the reverse index maps a dependency
// name to the arena indices of the packages declaring it.
type Graph struct {
	records []Record
	index   map[string]int
	// dependents maps a dependency name to the records that declare it, in
	// insertion order. Names need not be records themselves.
	dependents map[string][]int
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		index:      make(map[string]int),
		dependents: make(map[string][]int),
	}
}

// Add appends a record. Returns ErrDuplicateNode if the name is taken.
// Repeated dependency names are collapsed.
func (g *Graph) Add(r Record) error {
	if _, exists := g.index[r.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, r.Name)
	}
	idx := len(g.records)

	seen := make(map[string]bool, len(r.Dependencies))
	deps := make([]string, 0, len(r.Dependencies))
	for _, dep := range r.Dependencies {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		deps = append(deps, dep)
		g.dependents[dep] = append(g.dependents[dep], idx)
	}
	r.Dependencies = deps

	g.records = append(g.records, r)
	g.index[r.Name] = idx
	return nil
}

// Record returns the record with the given name.
func (g *Graph) Record(name string) (Record, bool) {
	idx, ok := g.index[name]
	if !ok {
		return Record{}, false
	}
	return g.records[idx], true
}

// Has reports whether a record with the given name exists.
func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Records returns all records in insertion order.
func (g *Graph) Records() []Record {
	out := make([]Record, len(g.records))
	copy(out, g.records)
	return out
}

// Len returns the number of records.
func (g *Graph) Len() int {
	return len(g.records)
}

// Dependents returns the names of records that directly declare name as a
// dependency, in insertion order.
func (g *Graph) Dependents(name string) []string {
	idxs := g.dependents[name]
	out := make([]string, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, g.records[i].Name)
	}
	return out
}
