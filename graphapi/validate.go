package graphapi

import (
	"container/heap"
	"sort"
	"strconv"
	"strings"

	"github.com/richinsley/comfy2video/internal/pkg/errors"
)

// lessID orders node ids numerically when both are integers, lexically otherwise,
// so "2" sorts before "10".
func lessID(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a < b
}

func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
}

func invalidTemplate(name, format string, args ...any) *errors.Error {
	return errors.Newf(errors.CodeInvalidTemplate, "template %q: "+format, append([]any{name}, args...)...).
		WithField("template", name)
}

// validateLinks checks that every edge reference resolves to a node in the graph.
func validateLinks(name string, nodes map[string]*Node, ids []string) error {
	for _, id := range ids {
		n := nodes[id]
		inputs := make([]string, 0, len(n.Inputs))
		for k := range n.Inputs {
			inputs = append(inputs, k)
		}
		sort.Strings(inputs)
		for _, k := range inputs {
			l := n.Inputs[k].Link
			if l == nil {
				continue
			}
			if _, ok := nodes[l.NodeID]; !ok {
				return invalidTemplate(name, "node %s input %q links to missing node %s", id, k, l.NodeID).
					WithField("node", id).
					WithField("input", k)
			}
		}
	}
	return nil
}

type idMinHeap []string

func (h idMinHeap) Len() int           { return len(h) }
func (h idMinHeap) Less(i, j int) bool { return lessID(h[i], h[j]) }
func (h idMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idMinHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *idMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// edges returns producer -> consumers adjacency, consumers sorted.
func edges(nodes map[string]*Node, ids []string) (map[string][]string, map[string]int) {
	outgoing := make(map[string][]string, len(ids))
	indeg := make(map[string]int, len(ids))
	for _, id := range ids {
		for _, l := range nodes[id].Links() {
			outgoing[l.NodeID] = append(outgoing[l.NodeID], id)
			indeg[id]++
		}
	}
	for k := range outgoing {
		sortIDs(outgoing[k])
	}
	return outgoing, indeg
}

// topoOrder returns a deterministic topological ordering of the node ids using
// Kahn's algorithm. If the graph has a cycle, the error carries one cycle path.
func topoOrder(name string, nodes map[string]*Node, ids []string) ([]string, error) {
	outgoing, indeg := edges(nodes, ids)

	ready := &idMinHeap{}
	heap.Init(ready)
	for _, id := range ids {
		if indeg[id] == 0 {
			heap.Push(ready, id)
		}
	}

	out := make([]string, 0, len(ids))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(string)
		out = append(out, n)
		for _, m := range outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	if len(out) == len(ids) {
		return out, nil
	}

	cycle := findCycle(ids, outgoing)
	return nil, invalidTemplate(name, "graph has a cycle: %s", strings.Join(cycle, " -> ")).
		WithField("cycle", cycle)
}

// findCycle runs a DFS in id order and returns a single stable cycle witness.
func findCycle(ids []string, outgoing map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(ids))
	parent := make(map[string]string, len(ids))
	var cycle []string

	var dfs func(u string) bool
	dfs = func(u string) bool {
		color[u] = gray
		for _, v := range outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back-edge u -> v; walk parents from u back to v
				cycle = append(cycle, v)
				for cur := u; cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && dfs(id) {
			break
		}
	}

	for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	return cycle
}
