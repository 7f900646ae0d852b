// Package grids contains the partitioners that distribute the cells of a
// linked-cell grid across the processes of a Cartesian communicator, and
// the diffusion flow calculators that drive load-driven repartitioning.
package grids

import (
	"fmt"

	"github.com/notargets/repart/comm"
	"github.com/notargets/repart/globox"
	"github.com/notargets/repart/types"
)

// CellMetric yields the engine's current load weight for every local cell.
// The returned slice has length NLocalCells.
type CellMetric func() []float64

// Thunk is the exchange-start callback invoked once per accepted
// repartition, after the new partition is fixed but before cell lists are
// rebuilt, so the engine can stage particle migration.
type Thunk func()

// Engine is the provider half of the partitioner contract: the particle
// engine hands out the positions of all particles it currently owns.
type Engine interface {
	Particles() []types.Vec3
}

// GhostExchangeDesc describes the ghost-layer traffic with one neighbor.
// Send holds owned local cell indices, Recv ghost local cell indices; both
// are sorted by underlying global index, so paired processes iterate in
// matching order without ever exchanging indices.
type GhostExchangeDesc struct {
	Dest int
	Send []int
	Recv []int
}

// ParallelLCGrid is the consumer interface of a distributed linked-cell
// grid, implemented by the partitioners and consumed by the engine.
type ParallelLCGrid interface {
	NLocalCells() int
	NGhostCells() int
	NNeighbors() int
	NeighborRank(i int) int
	CellSize() types.Vec3
	GridSize() types.Vec3i
	CellNeighborIndex(cellidx, neigh int) int
	GetBoundaryInfo() []GhostExchangeDesc
	PositionToCellIndex(pos types.Vec3) (int, error)
	PositionToRank(pos types.Vec3) (int, error)
	PositionToNeighidx(pos types.Vec3) (int, error)
	Repartition(m CellMetric, exchangeStart Thunk) bool
	Command(s string)
}

// OutOfNeighborhoodError reports a position that resolved to neither this
// process's subdomain nor any direct neighbor's. It means a particle
// drifted beyond the halo since the last reinit.
type OutOfNeighborhoodError struct {
	Pos types.Vec3
}

func (e OutOfNeighborhoodError) Error() string {
	return fmt.Sprintf("position %v outside of the neighborhood of this process", e.Pos)
}

// NotLocalError reports a position lookup that resolved to a cell this
// process holds neither as owned nor as ghost.
type NotLocalError struct {
	Pos  types.Vec3
	Cell int
}

func (e NotLocalError) Error() string {
	return fmt.Sprintf("position %v (global cell %d) is not resident on this process", e.Pos, e.Cell)
}

// GridType selects a partitioner implementation.
type GridType uint8

const (
	GridBasedType GridType = iota
)

// NewPargrid is the grid factory, to be called collectively on every rank.
// The global grid resolution is the finest one whose cells still measure
// minCellSize per axis. The diffusion cell-assignment consumer is not
// constructed here: its cell-donation collaborator lives in the engine, so
// it is built directly via NewDiffusion.
func NewPargrid(gt GridType, cart *comm.Cart, boxL types.Vec3, minCellSize float64,
	eng Engine) (ParallelLCGrid, error) {
	switch gt {
	case GridBasedType:
		return NewGridBased(cart, boxL, minCellSize, eng)
	}
	return nil, fmt.Errorf("unknown grid type %d", gt)
}

func gridFor(boxL types.Vec3, minCellSize float64) (*globox.GlobalBox, error) {
	var grid types.Vec3i
	for d := 0; d < 3; d++ {
		grid[d] = int(boxL[d] / minCellSize)
	}
	return globox.New(boxL, grid, minCellSize)
}

func pushBackUnique(v []int, el int) []int {
	for _, x := range v {
		if x == el {
			return v
		}
	}
	return append(v, el)
}
