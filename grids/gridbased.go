package grids

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/notargets/repart/comm"
	"github.com/notargets/repart/globox"
	"github.com/notargets/repart/tetra"
	"github.com/notargets/repart/types"
)

// GridBased partitions the cells of the global grid by one movable 3D
// gridpoint per process: the upper-right-back corner of its subdomain. The
// subdomain is the octagon spanned by the eight gridpoints surrounding the
// process in the Cartesian grid, and a cell belongs to the process whose
// octagon contains its midpoint. Repartition displaces the gridpoint along
// a force computed from the load imbalance of the eight subdomains sharing
// it (Begau, Sutmann, Comp. Phys. Comm. 190 (2015), 51-61).
type GridBased struct {
	cart *comm.Cart
	gbox *globox.GlobalBox
	eng  Engine
	logr *log.Logger

	mu            float64
	isRegularGrid bool

	// gridpoint is this process's degree of freedom; gridpoints is the
	// rank-indexed replica of all of them, refreshed by all-gather.
	gridpoint  types.Vec3
	gridpoints []types.Vec3

	myDom        tetra.Octagon
	neighborDoms []tetra.Octagon

	neighborRanks []int
	neighborIdx   map[int]int
	neighcomm     *comm.Graph

	// cells[0:nlocal] are owned, cells[nlocal:nlocal+nghost] ghosts.
	cells         []int
	nlocal        int
	nghost        int
	globalToLocal map[int]int
	exchangeVec   []GhostExchangeDesc
}

var _ ParallelLCGrid = (*GridBased)(nil)

// NewGridBased builds the partitioner collectively on every rank of cart.
// eng may be nil; the center of load then always falls back to the cell
// centroid. Gridpoints start on the regular Cartesian split, nudged inward
// by 1e-6 on axes where the subdomain boundary is interior to the box, so
// no cell midpoint sits exactly on a subdomain face. An explicit tie-break
// would need rank information inside the octagon containment test; the
// nudge together with the repartition admissibility margin keeps midpoints
// off subdomain faces in every reachable state.
func NewGridBased(cart *comm.Cart, boxL types.Vec3, minCellSize float64,
	eng Engine) (*GridBased, error) {
	gbox, err := gridFor(boxL, minCellSize)
	if err != nil {
		return nil, err
	}
	g := &GridBased{
		cart: cart,
		gbox: gbox,
		eng:  eng,
		logr: log.New(os.Stderr, fmt.Sprintf("[rank %d] ", cart.Rank()), 0),
		mu:   1.0,
	}
	g.initPartitioning()
	g.reinit()
	return g, nil
}

func (g *GridBased) initPartitioning() {
	g.isRegularGrid = true

	var (
		dims   = g.cart.Dims()
		coords = g.cart.Coords()
		boxL   = g.gbox.BoxL()
	)
	for d := 0; d < 3; d++ {
		myRight := float64(coords[d]+1) * boxL[d] / float64(dims[d])
		g.gridpoint[d] = myRight
		if myRight < boxL[d] {
			g.gridpoint[d] -= 1e-6
		}
	}

	g.initNeighbors()
	g.initOctagons()
}

// initNeighbors enumerates the 26-neighborhood, deduplicates it and
// recreates the distributed graph communicator. Sources of the graph are
// the ranks at offsets in {0,+1}^3 plus self: the subdomains whose octagon
// shares this process's gridpoint. Dests mirror them at {0,-1}^3.
func (g *GridBased) initNeighbors() {
	g.neighborRanks = g.neighborRanks[:0]
	g.neighborIdx = make(map[int]int)

	var (
		coords               = g.cart.Coords()
		sourceNeigh          []int
		destNeigh            []int
		sourceCount          = make(map[int]int)
		nSourceOffsets, nDup int
	)
	for ox := -1; ox <= 1; ox++ {
		for oy := -1; oy <= 1; oy++ {
			for oz := -1; oz <= 1; oz++ {
				r := g.cart.CartRank(coords.Add(types.Vec3i{ox, oy, oz}))

				if ox >= 0 && oy >= 0 && oz >= 0 {
					nSourceOffsets++
					sourceCount[r]++
				}

				if r == g.cart.Rank() {
					continue
				}
				if _, seen := g.neighborIdx[r]; !seen {
					g.neighborIdx[r] = len(g.neighborRanks)
					g.neighborRanks = append(g.neighborRanks, r)
				}

				if ox >= 0 && oy >= 0 && oz >= 0 {
					sourceNeigh = pushBackUnique(sourceNeigh, r)
				}
				if ox <= 0 && oy <= 0 && oz <= 0 {
					destNeigh = pushBackUnique(destNeigh, r)
				}
			}
		}
	}

	// On tiny process grids a rank covers several of the eight gridpoint
	// offsets. That duplication must be uniform (a factor of two per
	// length-one axis); anything else means the communicator is not a
	// periodic Cartesian grid.
	for _, n := range sourceCount {
		nDup = n
		break
	}
	for r, n := range sourceCount {
		if n != nDup {
			panic(fmt.Sprintf("non-uniform neighborhood duplication: rank %d appears %d times, expected %d", r, n, nDup))
		}
	}
	if nDup*len(sourceCount) != nSourceOffsets {
		panic("neighborhood duplication does not cover the gridpoint offsets")
	}

	if g.neighcomm != nil {
		g.neighcomm.Free()
	}
	sourceNeigh = append(sourceNeigh, g.cart.Rank())
	destNeigh = append(destNeigh, g.cart.Rank())
	g.neighcomm = comm.NewGraph(g.cart, sourceNeigh, destNeigh)
}

// boundingBox returns the eight octagon corners of rank r, in offset order.
// Corners taken from ranks across a periodic boundary are mirrored back by
// a box length so the polyhedron is connected in real space.
func (g *GridBased) boundingBox(r int) (bb [tetra.NCorners]types.Vec3) {
	var (
		c    = g.cart.CartCoords(r)
		dims = g.cart.Dims()
		boxL = g.gbox.BoxL()
		i    int
	)
	for ox := 0; ox <= 1; ox++ {
		for oy := 0; oy <= 1; oy++ {
			for oz := 0; oz <= 1; oz++ {
				var (
					off    = types.Vec3i{ox, oy, oz}
					nc     types.Vec3i
					mirror types.Vec3i
				)
				for d := 0; d < 3; d++ {
					nc[d] = c[d] - off[d]
					// Wrap can only happen in the negative direction.
					if nc[d] < 0 {
						nc[d] = dims[d] - 1
						mirror[d] = -1
					}
				}
				gp := g.gridpoints[g.cart.CartRank(nc)]
				for d := 0; d < 3; d++ {
					bb[i][d] = gp[d] + float64(mirror[d])*boxL[d]
				}
				i++
			}
		}
	}
	return
}

func (g *GridBased) initOctagons() {
	g.gridpoints = g.cart.AllGatherVec3(g.gridpoint)

	g.myDom = tetra.NewOctagon(g.boundingBox(g.cart.Rank()))

	g.neighborDoms = g.neighborDoms[:0]
	for _, r := range g.neighborRanks {
		g.neighborDoms = append(g.neighborDoms, tetra.NewOctagon(g.boundingBox(r)))
	}
}

// reinit rebuilds the local cell list, the ghost layer and the exchange
// descriptors from scratch. Purely local.
func (g *GridBased) reinit() {
	g.nlocal = 0
	g.nghost = 0
	g.cells = g.cells[:0]
	g.globalToLocal = make(map[int]int)

	// Simple scan over all global cells; TODO: restrict to the previous
	// subdomain's bounding box once reinit shows up in profiles.
	for i := 0; i < g.gbox.NCells(); i++ {
		if g.myDom.Contains(g.gbox.Midpoint(i)) {
			g.cells = append(g.cells, i)
			g.globalToLocal[i] = g.nlocal
			g.nlocal++
		}
	}
	ensure(g.nlocal > 0, "rank %d owns no cells", g.cart.Rank())

	g.exchangeVec = make([]GhostExchangeDesc, len(g.neighborRanks))
	for i := range g.exchangeVec {
		g.exchangeVec[i].Dest = -1
	}

	// Ghost cells and communication volume.
	for i := 0; i < g.nlocal; i++ {
		for _, neigh := range g.gbox.FullShellNeighWithoutCenter(g.cells[i]) {
			owner := g.gloidxToRank(neigh)
			if owner == g.cart.Rank() {
				continue
			}

			if _, seen := g.globalToLocal[neigh]; !seen {
				g.cells = append(g.cells, neigh)
				g.globalToLocal[neigh] = g.nlocal + g.nghost
				g.nghost++
			}

			idx, ok := g.neighborIdx[owner]
			if !ok {
				panic(fmt.Sprintf("cell %d owned by non-neighbor rank %d", neigh, owner))
			}
			if g.exchangeVec[idx].Dest == -1 {
				g.exchangeVec[idx].Dest = owner
			}
			g.exchangeVec[idx].Recv = pushBackUnique(g.exchangeVec[idx].Recv, neigh)
			g.exchangeVec[idx].Send = pushBackUnique(g.exchangeVec[idx].Send, g.cells[i])
		}
	}
	ensure(g.cart.Size() == 1 || g.nghost > 0, "rank %d has no ghost layer", g.cart.Rank())

	// Sort by global index on both sides, then translate to local indices.
	for v := range g.exchangeVec {
		ensure(g.exchangeVec[v].Dest != -1, "no exchange with neighbor rank %d", g.neighborRanks[v])
		sort.Ints(g.exchangeVec[v].Recv)
		sort.Ints(g.exchangeVec[v].Send)
		for i, glo := range g.exchangeVec[v].Recv {
			g.exchangeVec[v].Recv[i] = g.globalToLocal[glo]
		}
		for i, glo := range g.exchangeVec[v].Send {
			g.exchangeVec[v].Send[i] = g.globalToLocal[glo]
		}
	}
}

func (g *GridBased) gloidxToRank(gloidx int) int {
	r, err := g.PositionToRank(g.gbox.Midpoint(gloidx))
	if err != nil {
		panic(err)
	}
	return r
}

func (g *GridBased) NLocalCells() int { return g.nlocal }
func (g *GridBased) NGhostCells() int { return g.nghost }
func (g *GridBased) NNeighbors() int  { return len(g.neighborRanks) }

func (g *GridBased) NeighborRank(i int) int { return g.neighborRanks[i] }

func (g *GridBased) CellSize() types.Vec3  { return g.gbox.CellSize() }
func (g *GridBased) GridSize() types.Vec3i { return g.gbox.GridSize() }

// CellNeighborIndex resolves the neigh-th shell cell of a local cell to its
// local or ghost index. neigh 13 returns the cell itself.
func (g *GridBased) CellNeighborIndex(cellidx, neigh int) int {
	return g.globalToLocal[g.gbox.Neighbor(g.cells[cellidx], neigh)]
}

func (g *GridBased) GetBoundaryInfo() []GhostExchangeDesc { return g.exchangeVec }

// PositionToCellIndex resolves a position to the local index of its cell.
// Positions in the ghost layer resolve to the ghost index; that contract is
// relied upon by engines staging incoming particles before migration.
func (g *GridBased) PositionToCellIndex(pos types.Vec3) (int, error) {
	glo := g.gbox.CellAtPos(pos)
	i, ok := g.globalToLocal[glo]
	if !ok {
		return 0, NotLocalError{Pos: pos, Cell: glo}
	}
	if debugMode && i >= g.nlocal {
		g.logr.Printf("ghost-layer position_to_cell: pos %v cell %d nlocal %d nghost %d",
			pos, i, g.nlocal, g.nghost)
	}
	return i, nil
}

// PositionToRank resolves a position to its owning rank. Ownership follows
// the midpoint of the containing cell, not the position itself.
func (g *GridBased) PositionToRank(pos types.Vec3) (int, error) {
	mp := g.gbox.Midpoint(g.gbox.CellAtPos(pos))

	if g.isRegularGrid {
		return g.regularRank(mp), nil
	}

	if g.myDom.Contains(mp) {
		return g.cart.Rank(), nil
	}
	for i := range g.neighborDoms {
		if g.neighborDoms[i].Contains(mp) {
			return g.neighborRanks[i], nil
		}
	}
	return 0, OutOfNeighborhoodError{Pos: pos}
}

// regularRank is the O(1) lookup valid while the partition is still the
// initial regular Cartesian split.
func (g *GridBased) regularRank(mp types.Vec3) int {
	var (
		dims = g.cart.Dims()
		boxL = g.gbox.BoxL()
		c    types.Vec3i
	)
	for d := 0; d < 3; d++ {
		c[d] = int(mp[d] * float64(dims[d]) / boxL[d])
		if c[d] >= dims[d] {
			c[d] = dims[d] - 1
		}
	}
	return g.cart.CartRank(c)
}

func (g *GridBased) PositionToNeighidx(pos types.Vec3) (int, error) {
	r, err := g.PositionToRank(pos)
	if err != nil {
		return 0, err
	}
	idx, ok := g.neighborIdx[r]
	if !ok {
		return 0, OutOfNeighborhoodError{Pos: pos}
	}
	return idx, nil
}

// CenterOfLoad is the mean position of the particles owned by this
// process. Without particles it falls back to the plain mean of the owned
// cell midpoints, each cell counting equally regardless of its weight.
func (g *GridBased) CenterOfLoad() types.Vec3 {
	var (
		c     types.Vec3
		npart int
	)
	if g.eng != nil {
		for _, p := range g.eng.Particles() {
			c = c.Add(p)
			npart++
		}
	}
	if npart == 0 {
		for i := 0; i < g.nlocal; i++ {
			c = c.Add(g.gbox.Midpoint(g.cells[i]))
			npart++
		}
	}
	return c.Scale(1 / float64(npart))
}

// Repartition performs one Begau-Sutmann gridpoint displacement step.
// Collective on the Cartesian communicator. Returns false, with all state
// unchanged, if the displaced gridpoints would collide; the caller may
// retry with a smaller mu.
func (g *GridBased) Repartition(m CellMetric, exchangeStart Thunk) bool {
	nneigh := g.neighcomm.InDegree()

	var lambdaP float64
	for _, w := range m() {
		lambdaP += w
	}
	rP := g.CenterOfLoad()

	lambda := g.neighcomm.NeighborAllGather([]float64{lambdaP})

	var lnormalizer float64
	for _, l := range lambda {
		lnormalizer += l
	}
	lnormalizer /= float64(nneigh)

	lambdaHat := make([]float64, nneigh)
	for i := range lambda {
		lambdaHat[i] = lambda[i] / lnormalizer
	}

	r := g.neighcomm.NeighborAllGather(rP[:])
	for i := 0; i < nneigh; i++ {
		// Form u, then f.
		var u types.Vec3
		copy(u[:], r[3*i:3*i+3])
		u = u.Sub(g.gridpoint)
		f := u.Scale((lambdaHat[i] - 1) / u.Norm())
		copy(r[3*i:3*i+3], f[:])
	}

	var (
		coords = g.cart.Coords()
		dims   = g.cart.Dims()
		newC   = g.gridpoint
	)
	for d := 0; d < 3; d++ {
		// Gridpoints on the top face of the process grid stay pinned, so
		// nothing ever drifts across a periodic boundary and forces from
		// periodic images need no mirroring.
		if coords[d] == dims[d]-1 {
			continue
		}
		for i := 0; i < nneigh; i++ {
			newC[d] += g.mu * r[3*i+d]
		}
	}

	g.gridpoint = newC
	oldGridpoints := g.gridpoints
	g.gridpoints = g.cart.AllGatherVec3(g.gridpoint)

	// Admissibility: subdomains may be non-convex, but gridpoints must not
	// collide. Corner pairs closer than twice the smallest cell edge count
	// as conflicts; acceptance must be unanimous.
	cs := g.CellSize()
	minCellSize := cs[0]
	for d := 1; d < 3; d++ {
		if cs[d] < minCellSize {
			minCellSize = cs[d]
		}
	}

	// The initial nudged grid can sit exactly on the margin when a
	// subdomain is only two cells across; distances within rounding of
	// the margin still count as admissible.
	margin := 2 * minCellSize * (1 - 1e-4)

	nconflicts := 0
	bb := g.boundingBox(g.cart.Rank())
	for i := 0; i < len(bb); i++ {
		for j := i + 1; j < len(bb); j++ {
			if bb[i].Dist(bb[j]) < margin {
				nconflicts++
			}
		}
	}
	nconflicts = g.cart.AllReduceInt(comm.OpSum, nconflicts)

	if nconflicts > 0 {
		g.logr.Printf("gridpoint update rejected because of node conflicts")
		g.gridpoints = oldGridpoints
		g.gridpoint = g.gridpoints[g.cart.Rank()]
		return false
	}

	g.isRegularGrid = false

	g.initOctagons()
	if exchangeStart != nil {
		exchangeStart()
	}
	g.reinit()

	return true
}

var muRe = regexp.MustCompile(`^\s*mu\s*=\s*(\d+\.\d+|\d+\.|\.\d+|\d+)\s*$`)

// Command tunes runtime parameters. Recognized: "mu = <float>". Anything
// else is ignored.
func (g *GridBased) Command(s string) {
	if m := muRe.FindStringSubmatch(s); m != nil {
		g.mu, _ = strconv.ParseFloat(m[1], 64)
		if g.cart.Rank() == 0 {
			g.logr.Printf("setting mu = %v", g.mu)
		}
	}
}
