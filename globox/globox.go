// Package globox provides the immutable global linked-cell grid geometry:
// an axis-aligned periodic box subdivided into a regular grid of cells.
// Every process holds an identical GlobalBox and uses it to translate
// between global cell indices, grid coordinates and positions.
package globox

import (
	"fmt"
	"math"

	"github.com/notargets/repart/types"
)

// NeighborhoodSize is the full 3x3x3 shell, including the center.
const NeighborhoodSize = 27

// SelfNeighbor is the shell index of the zero offset.
const SelfNeighbor = 13

// ErrInvalidGeometry reports a box/grid combination that cannot hold a
// linked-cell structure with the requested minimum cell size.
type ErrInvalidGeometry struct {
	Box         types.Vec3
	Grid        types.Vec3i
	MinCellSize float64
}

func (e ErrInvalidGeometry) Error() string {
	return fmt.Sprintf("invalid geometry: box %v, grid %v, min cell size %g",
		e.Box, e.Grid, e.MinCellSize)
}

// GlobalBox maps between global cell indices, grid coordinates and
// positions. It carries no mutable state.
type GlobalBox struct {
	boxL     types.Vec3
	grid     types.Vec3i
	cellSize types.Vec3
}

// New subdivides a box of side lengths boxL into grid cells per axis. Every
// resulting cell must measure at least minCellSize along each axis.
func New(boxL types.Vec3, grid types.Vec3i, minCellSize float64) (*GlobalBox, error) {
	var h types.Vec3
	for d := 0; d < 3; d++ {
		if grid[d] <= 0 {
			return nil, ErrInvalidGeometry{boxL, grid, minCellSize}
		}
		h[d] = boxL[d] / float64(grid[d])
		if h[d] < minCellSize {
			return nil, ErrInvalidGeometry{boxL, grid, minCellSize}
		}
	}
	return &GlobalBox{boxL: boxL, grid: grid, cellSize: h}, nil
}

// NCells is the number of global cells.
func (gb *GlobalBox) NCells() int { return gb.grid.Prod() }

// CellSize is the edge lengths of one cell.
func (gb *GlobalBox) CellSize() types.Vec3 { return gb.cellSize }

// GridSize is the number of cells per axis.
func (gb *GlobalBox) GridSize() types.Vec3i { return gb.grid }

// BoxL is the box side lengths.
func (gb *GlobalBox) BoxL() types.Vec3 { return gb.boxL }

// Midpoint returns the center position of global cell g.
func (gb *GlobalBox) Midpoint(g int) (m types.Vec3) {
	c := types.Unlinearize(g, gb.grid)
	for d := 0; d < 3; d++ {
		m[d] = (float64(c[d]) + 0.5) * gb.cellSize[d]
	}
	return
}

// CellAtPos returns the global index of the cell containing pos. Positions
// outside the box are wrapped periodically.
func (gb *GlobalBox) CellAtPos(pos types.Vec3) int {
	var c types.Vec3i
	for d := 0; d < 3; d++ {
		c[d] = int(math.Floor(pos[d] / gb.cellSize[d]))
	}
	return types.Linearize(c.Wrap(gb.grid), gb.grid)
}

// Neighbor returns the k-th cell of g's 27-shell, k in [0,27). The shell is
// ordered by offset, x slowest, so k == SelfNeighbor is g itself. Wraps
// periodically in every dimension.
func (gb *GlobalBox) Neighbor(g, k int) int {
	off := types.Unlinearize(k, types.Vec3i{3, 3, 3})
	c := types.Unlinearize(g, gb.grid).Add(types.Vec3i{off[0] - 1, off[1] - 1, off[2] - 1})
	return types.Linearize(c.Wrap(gb.grid), gb.grid)
}

// FullShellNeighWithoutCenter enumerates the 26 distinct-offset neighbors
// of g in shell order, skipping g itself.
func (gb *GlobalBox) FullShellNeighWithoutCenter(g int) []int {
	neigh := make([]int, 0, NeighborhoodSize-1)
	for k := 0; k < NeighborhoodSize; k++ {
		if k == SelfNeighbor {
			continue
		}
		neigh = append(neigh, gb.Neighbor(g, k))
	}
	return neigh
}
