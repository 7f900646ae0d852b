package grids

import (
	"regexp"
	"strconv"

	"github.com/notargets/repart/comm"
)

// CellDonor is the engine-side collaborator of the cell-assignment
// diffusion scheme: given the per-neighbor transfer volumes it selects
// local cells to donate to each neighbor, keeping the subdomain connected.
// volumes is ordered like neighbors.
type CellDonor func(neighbors []int, volumes []float64)

// Diffusion drives load diffusion on the cell-assignment path: it owns a
// flow calculator and an undirected graph communicator over the direct
// neighbors, computes per-neighbor transfer volumes from the local load and
// hands them to the donor. Cell bookkeeping lives with the engine.
type Diffusion struct {
	cart      *comm.Cart
	neighbors []int
	neighcomm *comm.Graph
	flow      FlowCalculator
	donor     CellDonor
}

// NewDiffusion builds the consumer collectively on every rank. neighbors is
// the deduplicated direct-neighbor rank list, identically ordered relative
// to its peers' lists by the Cartesian enumeration.
func NewDiffusion(cart *comm.Cart, neighbors []int, kind FlowCalcKind,
	donor CellDonor) *Diffusion {
	return &Diffusion{
		cart:      cart,
		neighbors: append([]int(nil), neighbors...),
		neighcomm: comm.NewGraph(cart, neighbors, neighbors),
		flow:      NewFlowCalc(kind),
		donor:     donor,
	}
}

// ComputeVolumes runs the flow calculator once. Collective.
func (d *Diffusion) ComputeVolumes(load float64) []float64 {
	return d.flow.ComputeFlow(d.neighcomm, d.cart, d.neighbors, load)
}

// Repartition computes transfer volumes for the current load and invokes
// the donor. Collective.
func (d *Diffusion) Repartition(load float64) {
	d.donor(d.neighbors, d.ComputeVolumes(load))
}

// Free releases the graph communicator.
func (d *Diffusion) Free() {
	d.neighcomm.Free()
}

var (
	nflowRe = regexp.MustCompile(`^\s*n_flow_iter\s*=\s*(\d+)\s*$`)
	betaRe  = regexp.MustCompile(`^\s*beta\s*=\s*(\d+\.\d+|\d+\.|\.\d+|\d+)\s*$`)
)

// Command routes runtime parameters to the flow calculator, if it supports
// them. Recognized: "n_flow_iter = <uint>", "beta = <float>". Anything else
// is ignored.
func (d *Diffusion) Command(s string) {
	if m := nflowRe.FindStringSubmatch(s); m != nil {
		if fs, ok := d.flow.(FlowIterSetter); ok {
			n, _ := strconv.ParseUint(m[1], 10, 32)
			fs.SetNFlowIter(uint32(n))
		}
		return
	}
	if m := betaRe.FindStringSubmatch(s); m != nil {
		if bs, ok := d.flow.(BetaValueSetter); ok {
			beta, _ := strconv.ParseFloat(m[1], 64)
			bs.SetBetaValue(beta)
		}
	}
}
