// Package order sorts rules by their before/after constraints.
//
// The sort is Kahn's algorithm with a stable tiebreak: among the nodes whose
// predecessors have all been emitted, the one registered first goes next. The
// result is fully determined by the registration order and the constraints.
package order

import (
	"fmt"
	"strings"

	apperrors "github.com/duynguyendang/ssdtprof/pkg/common/errors"
)

// ErrCyclicRuleOrdering is returned when the constraints cannot be satisfied.
var ErrCyclicRuleOrdering = fmt.Errorf("%w: cyclic rule ordering", apperrors.ErrInternal)

// CycleError names the rules left unsorted when a cycle was found.
type CycleError struct {
	IDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v among [%s]", ErrCyclicRuleOrdering, strings.Join(e.IDs, ", "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicRuleOrdering }

// Node is one participant. Before lists ids that must come after this node,
// After lists ids that must come before it. Ids not present in the graph are
// ignored.
type Node struct {
	ID     string
	Before []string
	After  []string
}

// Graph is the precedence graph over a fixed slice of nodes.
type Graph struct {
	nodes []Node
	succ  [][]int
	indeg []int
}

// New builds the graph. Node ids must be unique.
func New(nodes []Node) (*Graph, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if _, dup := index[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %q", apperrors.ErrInternal, n.ID)
		}
		index[n.ID] = i
	}

	g := &Graph{
		nodes: nodes,
		succ:  make([][]int, len(nodes)),
		indeg: make([]int, len(nodes)),
	}
	seen := make(map[[2]int]bool)
	edge := func(from, to int) {
		if from == to || seen[[2]int{from, to}] {
			return
		}
		seen[[2]int{from, to}] = true
		g.succ[from] = append(g.succ[from], to)
		g.indeg[to]++
	}
	for i, n := range nodes {
		for _, id := range n.Before {
			if j, ok := index[id]; ok {
				edge(i, j)
			}
		}
		for _, id := range n.After {
			if j, ok := index[id]; ok {
				edge(j, i)
			}
		}
	}
	return g, nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Edges returns every precedence edge as (from, to) index pairs, ordered by
// source then insertion.
func (g *Graph) Edges() [][2]int {
	var out [][2]int
	for from, tos := range g.succ {
		for _, to := range tos {
			out = append(out, [2]int{from, to})
		}
	}
	return out
}

// Sort returns node indices in application order.
func (g *Graph) Sort() ([]int, error) {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	// ready is kept sorted ascending; the graphs here are small enough that
	// insertion into a slice beats a heap.
	var ready []int
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]int, 0, len(g.nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, m := range g.succ[n] {
			indeg[m]--
			if indeg[m] == 0 {
				ready = insertSorted(ready, m)
			}
		}
	}

	if len(out) != len(g.nodes) {
		var stuck []string
		for i, d := range indeg {
			if d > 0 {
				stuck = append(stuck, g.nodes[i].ID)
			}
		}
		return nil, &CycleError{IDs: stuck}
	}
	return out, nil
}

func insertSorted(s []int, v int) []int {
	i := 0
	for i < len(s) && s[i] < v {
		i++
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// Reaches reports whether a path of precedence edges leads from a to b.
func (g *Graph) Reaches(a, b int) bool {
	if a == b {
		return true
	}
	visited := make([]bool, len(g.nodes))
	stack := []int{a}
	visited[a] = true
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, m := range g.succ[n] {
			if m == b {
				return true
			}
			if !visited[m] {
				visited[m] = true
				stack = append(stack, m)
			}
		}
	}
	return false
}
