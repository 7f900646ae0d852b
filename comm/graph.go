package comm

// Graph is a distributed-graph communicator layered over a Cart, in the
// style of MPI_Dist_graph_create_adjacent: each rank names the sources it
// receives from and the destinations it sends to. The source relation must
// mirror the destination relation across ranks or neighbor collectives
// deadlock, exactly as with MPI.
type Graph struct {
	cart    *Cart
	sources []int
	dests   []int
}

// NewGraph builds a graph communicator. sources and dests are rank lists in
// the order neighbor collectives will use; both may contain the calling
// rank itself.
func NewGraph(cart *Cart, sources, dests []int) *Graph {
	return &Graph{
		cart:    cart,
		sources: append([]int(nil), sources...),
		dests:   append([]int(nil), dests...),
	}
}

// InDegree is the number of sources, including a self edge if present.
func (g *Graph) InDegree() int { return len(g.sources) }

// Sources returns the receive ordering of neighbor collectives.
func (g *Graph) Sources() []int { return g.sources }

// NeighborAllGather sends buf to every destination and returns the
// contributions of all sources, concatenated in source order. Collective on
// the graph: every rank of the fabric that participates in the graph must
// call it.
func (g *Graph) NeighborAllGather(buf []float64) []float64 {
	for _, dst := range g.dests {
		g.cart.send(dst, message{f: buf})
	}
	out := make([]float64, 0, len(g.sources)*len(buf))
	for _, src := range g.sources {
		out = append(out, g.cart.recv(src).f...)
	}
	return out
}

// NeighborAllToAll sends bufs[i] to the i-th destination and returns one
// slice per source, in source order. Collective on the graph.
func (g *Graph) NeighborAllToAll(bufs [][]float64) [][]float64 {
	if len(bufs) != len(g.dests) {
		panic("one buffer per destination required")
	}
	for i, dst := range g.dests {
		g.cart.send(dst, message{f: bufs[i]})
	}
	out := make([][]float64, len(g.sources))
	for i, src := range g.sources {
		out[i] = g.cart.recv(src).f
	}
	return out
}

// Free releases the communicator. The in-process fabric holds no external
// resources, but callers pair every NewGraph with a Free so the lifecycle
// matches a real MPI backing.
func (g *Graph) Free() {
	g.sources = nil
	g.dests = nil
}
