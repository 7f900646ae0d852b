package grids

import (
	"fmt"
	"math"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/repart/comm"
)

// FlowCalculator determines the status of each process (underloaded,
// overloaded) in its neighborhood and returns the volume of load to send to
// each neighbor. Underloaded processes return a vector of zeros.
//
// neighcomm must be an undirected graph over exactly the ranks in
// neighbors, in order, without a self edge; every call is collective on it
// and on cart. The returned vector is ordered like neighbors.
type FlowCalculator interface {
	ComputeFlow(neighcomm *comm.Graph, cart *comm.Cart, neighbors []int,
		load float64) []float64
}

// FlowIterSetter is implemented by calculators with a tunable number of
// flow iterations.
type FlowIterSetter interface {
	SetNFlowIter(nflowIter uint32)
}

// BetaValueSetter is implemented by calculators with a tunable second-order
// damping factor.
type BetaValueSetter interface {
	SetBetaValue(betaValue float64)
}

// FlowCalcKind selects a flow calculation variant.
type FlowCalcKind uint8

const (
	FlowCalcWillebeek FlowCalcKind = iota
	FlowCalcSchorn
	FlowCalcSOC
	FlowCalcSO
	FlowCalcSOF
)

// NewFlowCalc is the factory over the flow calculation variants.
func NewFlowCalc(kind FlowCalcKind) FlowCalculator {
	switch kind {
	case FlowCalcWillebeek:
		return &WLMVolumeComputation{}
	case FlowCalcSchorn:
		return &SchornVolumeComputation{nflowIter: 1}
	case FlowCalcSOC:
		return &SOCVolumeComputation{beta: 1.8}
	case FlowCalcSO:
		return &SOVolumeComputation{beta: 1.8, prevDeficiency: make(map[int]float64)}
	case FlowCalcSOF:
		return &SOFVolumeComputation{beta: 1.8, nflowIter: 1}
	}
	panic(fmt.Sprintf("unknown flow calculation kind %d", kind))
}

// wlmAlpha is the diffusion coefficient 1/(maxdeg+1) with the maximum
// degree taken over the whole Cartesian communicator. Collective on cart.
func wlmAlpha(cart *comm.Cart, degree int) float64 {
	return 1 / float64(cart.AllReduceInt(comm.OpMax, degree)+1)
}

// wlmStep is one first-order step after Willebeek Le Mair and Reeves
// [IEEE Tr. Par. Distr. Sys. 4(9), Sep 1993]: processes loaded above their
// neighborhood mean shed alpha*(load-load_i) along each downhill edge.
func wlmStep(alpha, load float64, neighLoads []float64) []float64 {
	flow := make([]float64, len(neighLoads))
	mean := (load + floats.Sum(neighLoads)) / float64(len(neighLoads)+1)
	if load <= mean {
		return flow
	}
	for i, li := range neighLoads {
		if load > li {
			flow[i] = alpha * (load - li)
		}
	}
	return flow
}

// WLMVolumeComputation is the stateless first-order diffusion.
type WLMVolumeComputation struct{}

func (*WLMVolumeComputation) ComputeFlow(neighcomm *comm.Graph, cart *comm.Cart,
	neighbors []int, load float64) []float64 {
	alpha := wlmAlpha(cart, len(neighbors))
	neighLoads := neighcomm.NeighborAllGather([]float64{load})
	return wlmStep(alpha, load, neighLoads)
}

// SchornVolumeComputation iterates the first-order step on a virtual load,
// accumulating the per-neighbor totals [Schorn, PhD thesis, 1999].
type SchornVolumeComputation struct {
	nflowIter uint32
}

func (s *SchornVolumeComputation) SetNFlowIter(nflowIter uint32) {
	s.nflowIter = nflowIter
}

func (s *SchornVolumeComputation) ComputeFlow(neighcomm *comm.Graph, cart *comm.Cart,
	neighbors []int, load float64) []float64 {
	alpha := wlmAlpha(cart, len(neighbors))
	flow := make([]float64, len(neighbors))
	virtual := load
	for it := uint32(0); it < s.nflowIter; it++ {
		step := wlmStep(alpha, virtual, neighcomm.NeighborAllGather([]float64{virtual}))
		virtual += exchangeFlows(neighcomm, step) - floats.Sum(step)
		floats.Add(flow, step)
	}
	return flow
}

// exchangeFlows sends each neighbor its per-edge flow and returns the total
// incoming flow. The overload gate makes incoming volumes unknowable
// locally, hence the extra round trip per iteration.
func exchangeFlows(neighcomm *comm.Graph, step []float64) (incoming float64) {
	bufs := make([][]float64, len(step))
	for i := range step {
		bufs[i] = step[i : i+1]
	}
	for _, in := range neighcomm.NeighborAllToAll(bufs) {
		incoming += in[0]
	}
	return
}

// SOVolumeComputation is the decentralized second-order scheme: each edge
// keeps the flow it carried last call and damps the new first-order term
// against it.
type SOVolumeComputation struct {
	beta           float64
	prevDeficiency map[int]float64
}

func (s *SOVolumeComputation) SetBetaValue(betaValue float64) {
	s.beta = betaValue
}

func (s *SOVolumeComputation) ComputeFlow(neighcomm *comm.Graph, cart *comm.Cart,
	neighbors []int, load float64) []float64 {
	alpha := wlmAlpha(cart, len(neighbors))
	neighLoads := neighcomm.NeighborAllGather([]float64{load})

	flow := make([]float64, len(neighbors))
	for i, r := range neighbors {
		f := s.beta*alpha*(load-neighLoads[i]) + (1-s.beta)*s.prevDeficiency[r]
		if f < 0 {
			f = 0
		}
		flow[i] = f
		s.prevDeficiency[r] = f
	}
	return flow
}

// SOCVolumeComputation is the centralized second-order scheme: every rank
// reconstructs the world diffusion matrix from the gathered neighbor lists
// and iterates the damped recurrence x <- beta*M*x + (1-beta)*x_prev on the
// world load vector, then reads its own outgoing flows off the iterate.
type SOCVolumeComputation struct {
	beta     float64
	m        *sparse.CSR
	prevLoad *mat.VecDense
}

func (s *SOCVolumeComputation) SetBetaValue(betaValue float64) {
	s.beta = betaValue
}

func (s *SOCVolumeComputation) ComputeFlow(neighcomm *comm.Graph, cart *comm.Cart,
	neighbors []int, load float64) []float64 {
	var (
		np                   = cart.Size()
		adj, rcounts, displs = cart.AllGatherVarInt(neighbors)
		loads                = cart.AllGather([]float64{load})
	)
	if s.m != nil {
		if rows, _ := s.m.Dims(); rows != np {
			s.m, s.prevLoad = nil, nil
		}
	}
	if s.m == nil {
		s.m = buildDiffusionMatrix(np, adj, rcounts, displs)
	}

	x := mat.NewVecDense(np, loads)
	var mx mat.VecDense
	mx.MulVec(s.m, x)

	w := mat.NewVecDense(np, nil)
	if s.prevLoad == nil {
		w.CopyVec(&mx)
	} else {
		w.ScaleVec(s.beta, &mx)
		w.AddScaledVec(w, 1-s.beta, s.prevLoad)
	}
	s.prevLoad = w

	var (
		self = cart.Rank()
		flow = make([]float64, len(neighbors))
	)
	for i, r := range neighbors {
		f := s.m.At(self, r) * (w.AtVec(self) - w.AtVec(r))
		if f < 0 {
			f = 0
		}
		flow[i] = f
	}
	return flow
}

// buildDiffusionMatrix assembles the world diffusion matrix: edge weights
// 1/(max(deg_i,deg_j)+1), diagonal holding the remainder so rows sum to 1.
func buildDiffusionMatrix(np int, adj, rcounts, displs []int) *sparse.CSR {
	dok := sparse.NewDOK(np, np)
	for j := 0; j < np; j++ {
		diag := 1.0
		for k := 0; k < rcounts[j]; k++ {
			nb := adj[displs[j]+k]
			a := 1 / (math.Max(float64(rcounts[j]), float64(rcounts[nb])) + 1)
			dok.Set(j, nb, a)
			diag -= a
		}
		dok.Set(j, j, diag)
	}
	return dok.ToCSR()
}

// SOFVolumeComputation fuses Schorn's virtual-load iteration with the
// second-order damping, applied per round within one call.
type SOFVolumeComputation struct {
	beta      float64
	nflowIter uint32
}

func (s *SOFVolumeComputation) SetNFlowIter(nflowIter uint32) {
	s.nflowIter = nflowIter
}

func (s *SOFVolumeComputation) SetBetaValue(betaValue float64) {
	s.beta = betaValue
}

func (s *SOFVolumeComputation) ComputeFlow(neighcomm *comm.Graph, cart *comm.Cart,
	neighbors []int, load float64) []float64 {
	alpha := wlmAlpha(cart, len(neighbors))
	var (
		flow     = make([]float64, len(neighbors))
		prevStep = make([]float64, len(neighbors))
		virtual  = load
	)
	for it := uint32(0); it < s.nflowIter; it++ {
		raw := wlmStep(alpha, virtual, neighcomm.NeighborAllGather([]float64{virtual}))
		step := raw
		if it > 0 {
			step = make([]float64, len(raw))
			for i := range raw {
				f := s.beta*raw[i] + (1-s.beta)*prevStep[i]
				if f < 0 {
					f = 0
				}
				step[i] = f
			}
		}
		virtual += exchangeFlows(neighcomm, step) - floats.Sum(step)
		floats.Add(flow, step)
		prevStep = step
	}
	return flow
}
