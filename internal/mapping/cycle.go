package mapping

// CheckAcyclic rejects any mapping in which a message could travel back to
// where it started through other channels. The reciprocal pair of a
// bidirectional link (A->B, B->A) is allowed: per-message origin filtering
// handles that hop. Anything else that closes a loop, i.e. a directed cycle
// through three or more endpoints, fails with CyclicMapping.
//
// Inside one strongly connected component every route must have its reverse,
// otherwise the route plus the path back forms a cycle of length three or
// more. Once all routes are reciprocal the component must also be a tree when
// viewed as an undirected graph.
func (m *Mapping) CheckAcyclic() error {
	g := newGraph(m.routes)
	comp := g.components()

	uf := newUnionFind(len(g.nodes))
	linked := make(map[[2]int]bool)

	for _, r := range m.routes {
		u, v := g.index[r.From], g.index[r.To]
		if comp[u] != comp[v] {
			continue
		}
		if !g.hasEdge(v, u) {
			return cyclic("route %s closes a loop back to %s", r, r.From)
		}
		pair := [2]int{min(u, v), max(u, v)}
		if linked[pair] {
			continue
		}
		linked[pair] = true
		if !uf.union(u, v) {
			return cyclic("link %s <-> %s closes a loop", r.From, r.To)
		}
	}
	return nil
}

type graph struct {
	nodes []Endpoint
	index map[Endpoint]int
	adj   [][]int
	edges map[[2]int]bool
}

func newGraph(routes []Route) *graph {
	g := &graph{index: make(map[Endpoint]int), edges: make(map[[2]int]bool)}
	id := func(e Endpoint) int {
		if i, ok := g.index[e]; ok {
			return i
		}
		g.index[e] = len(g.nodes)
		g.nodes = append(g.nodes, e)
		g.adj = append(g.adj, nil)
		return len(g.nodes) - 1
	}
	for _, r := range routes {
		u, v := id(r.From), id(r.To)
		if !g.edges[[2]int{u, v}] {
			g.edges[[2]int{u, v}] = true
			g.adj[u] = append(g.adj[u], v)
		}
	}
	return g
}

func (g *graph) hasEdge(u, v int) bool {
	return g.edges[[2]int{u, v}]
}

// components labels strongly connected components (Tarjan).
func (g *graph) components() []int {
	n := len(g.nodes)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	comp := make([]int, n)
	for i := range index {
		index[i] = -1
	}

	var stack []int
	next, label := 0, 0

	var visit func(v int)
	visit = func(v int) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.adj[v] {
			if index[w] < 0 {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] == index[v] {
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp[w] = label
				if w == v {
					break
				}
			}
			label++
		}
	}

	for v := 0; v < n; v++ {
		if index[v] < 0 {
			visit(v)
		}
	}
	return comp
}

type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

// union joins a and b and reports false if they were already joined.
func (u *unionFind) union(a, b int) bool {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return false
	}
	u.parent[ra] = rb
	return true
}
