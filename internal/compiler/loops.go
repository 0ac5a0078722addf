package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/qtinav/internal/ir"
)

// LoopWarning represents a route cycle created by branch rules.
//
// Loops are warnings, not errors, because non-linear parts may branch back
// on purpose (remediation loops, "try again" items). A candidate only
// escapes such a loop when some rule on it stops matching.
type LoopWarning struct {
	Path    []string `json:"path"`    // Item session ids: ["Q3.0", "Q1.0", "Q2.0", "Q3.0"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning"
}

// AnalyzeLoops performs static loop analysis on a test map.
//
// The graph has one node per route position. Every position has an edge to
// the position after it and one edge per branch rule to the rule's resolved
// target. Exit targets resolve to positions after the current container so
// they never close a loop. Tarjan's algorithm finds the strongly connected
// components; each component with more than one node, or a self-targeting
// rule, is reported.
//
// Unresolvable targets are skipped here; Validate reports them.
func AnalyzeLoops(tm *ir.TestMap) []LoopWarning {
	route := ir.NewRoute(tm)
	if route.Len() == 0 {
		return []LoopWarning{}
	}

	graph := buildBranchGraph(route)
	sccs := tarjanSCC(graph)

	warnings := []LoopWarning{}
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, loopWarning(route, scc, graph))
		}
	}

	// Deterministic output: order by the earliest position in the loop.
	sort.Slice(warnings, func(i, j int) bool {
		return warnings[i].Path[0] < warnings[j].Path[0]
	})
	return warnings
}

// branchGraph maps route position → positions reachable in one move.
type branchGraph map[int][]int

func buildBranchGraph(route *ir.Route) branchGraph {
	graph := make(branchGraph, route.Len())
	end := route.Len()

	for pos := 0; pos < end; pos++ {
		var edges []int
		if pos+1 < end {
			edges = append(edges, pos+1)
		}
		for _, rule := range route.Ref(pos).BranchRules {
			to := branchDestination(route, pos, rule.Target)
			if to >= 0 && to < end {
				edges = append(edges, to)
			}
		}
		graph[pos] = edges
	}
	return graph
}

func branchDestination(route *ir.Route, pos int, target string) int {
	switch target {
	case ir.TargetExitTest:
		return route.Len()
	case ir.TargetExitTestPart:
		return route.NextPartStart(pos)
	case ir.TargetExitSection:
		return route.NextSectionStart(pos)
	case "":
		return -1
	}
	return route.Lookup(target, pos)
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node int, graph branchGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Returns a list of SCCs, where each SCC is a list of route positions.
// Single-node SCCs without self-loops are NOT loops.
func tarjanSCC(graph branchGraph) [][]int {
	var (
		index   = 0
		stack   []int
		indices = make(map[int]int)
		lowlink = make(map[int]int)
		onStack = make(map[int]bool)
		sccs    [][]int
	)

	var strongConnect func(int)
	strongConnect = func(v int) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack into a new SCC
		if lowlink[v] == indices[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	// Visit in position order so the result does not depend on map iteration.
	nodes := make([]int, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Ints(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

func loopWarning(route *ir.Route, scc []int, graph branchGraph) LoopWarning {
	if len(scc) == 1 {
		id := route.Items[scc[0]].ItemSessionID()
		return LoopWarning{
			Path:    []string{id, id},
			Message: fmt.Sprintf("Item branches to itself: %s → %s", id, id),
			Level:   "warning",
		}
	}

	positions := reconstructLoopPath(scc, graph)
	path := make([]string, len(positions))
	for i, pos := range positions {
		path[i] = route.Items[pos].ItemSessionID()
	}
	return LoopWarning{
		Path:    path,
		Message: fmt.Sprintf("Branch rules form a loop: %s", strings.Join(path, " → ")),
		Level:   "warning",
	}
}

// reconstructLoopPath walks from the lowest position of the SCC through
// SCC members until it returns to the start.
func reconstructLoopPath(scc []int, graph branchGraph) []int {
	members := make(map[int]bool, len(scc))
	start := scc[0]
	for _, node := range scc {
		members[node] = true
		if node < start {
			start = node
		}
	}

	path := []int{start}
	visited := map[int]bool{start: true}
	current := start
	for {
		next := -1
		for _, neighbor := range graph[current] {
			if neighbor == start && len(path) > 1 {
				next = start
				break
			}
			if members[neighbor] && !visited[neighbor] {
				next = neighbor
				break
			}
		}
		if next < 0 {
			// Dead end inside the SCC: close the loop explicitly.
			return append(path, start)
		}
		path = append(path, next)
		if next == start {
			return path
		}
		visited[next] = true
		current = next
	}
}
