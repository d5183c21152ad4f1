package dag

import (
	"fmt"
	"strings"
)

// CycleEdge is a dependency edge skipped because it closes a cycle: From
// depends on To, and To was still being visited.
type CycleEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// String renders the edge as "from -> to".
func (e CycleEdge) String() string {
	return fmt.Sprintf("%s -> %s", e.From, e.To)
}

type sortFrame struct {
	node int
	next int
}

type visitState uint8

const (
	unvisited visitState = iota
	visiting
	visited
)

// TopologicalSort orders targets so that a target's dependencies that are
// also targets come first. It is a depth-first post-order walk: targets in
// the given order, dependencies in declared order. Dependencies outside the
// target set are ignored.
//
// An edge into a target that is still being visited closes a cycle. It is
// logged, returned, and skipped, so the sort always terminates; for cyclic
// graphs the order is best effort.
func TopologicalSort(targets []BuildTarget, g *Graph) ([]BuildTarget, []CycleEdge) {
	pos := make(map[string]int, len(targets))
	for i, t := range targets {
		if _, dup := pos[t.ModuleName]; !dup {
			pos[t.ModuleName] = i
		}
	}

	deps := make([][]int, len(targets))
	for i, t := range targets {
		rec, ok := g.Record(t.ModuleName)
		if !ok {
			continue
		}
		for _, dep := range rec.Dependencies {
			if j, in := pos[dep]; in && j != i {
				deps[i] = append(deps[i], j)
			}
		}
	}

	state := make([]visitState, len(targets))
	order := make([]BuildTarget, 0, len(targets))
	var cycles []CycleEdge

	for start := range targets {
		if state[start] != unvisited {
			continue
		}
		state[start] = visiting
		stack := []sortFrame{{node: start}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(deps[top.node]) {
				j := deps[top.node][top.next]
				top.next++
				switch state[j] {
				case visiting:
					edge := CycleEdge{From: targets[top.node].ModuleName, To: targets[j].ModuleName}
					cycles = append(cycles, edge)
					log.Warnf("dependency cycle detected: %s (path %s)", edge, cyclePath(stack, j, targets))
				case unvisited:
					state[j] = visiting
					stack = append(stack, sortFrame{node: j})
				}
				continue
			}
			state[top.node] = visited
			order = append(order, targets[top.node])
			stack = stack[:len(stack)-1]
		}
	}
	return order, cycles
}

// cyclePath renders the part of the DFS stack that forms the cycle.
func cyclePath(stack []sortFrame, closing int, targets []BuildTarget) string {
	var names []string
	for i := len(stack) - 1; i >= 0; i-- {
		names = append([]string{targets[stack[i].node].ModuleName}, names...)
		if stack[i].node == closing {
			break
		}
	}
	names = append(names, targets[closing].ModuleName)
	return strings.Join(names, " -> ")
}
