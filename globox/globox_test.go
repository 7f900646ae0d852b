package globox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/repart/types"
)

func TestGlobalBox(t *testing.T) {
	gb, err := New(types.Vec3{2, 2, 2}, types.Vec3i{4, 4, 4}, 0.1)
	require.NoError(t, err)

	{ // Derived quantities
		assert.Equal(t, 64, gb.NCells())
		assert.Equal(t, types.Vec3{0.5, 0.5, 0.5}, gb.CellSize())
		assert.Equal(t, types.Vec3i{4, 4, 4}, gb.GridSize())
	}
	{ // Midpoint of the first and last cells
		assert.Equal(t, types.Vec3{0.25, 0.25, 0.25}, gb.Midpoint(0))
		assert.Equal(t, types.Vec3{1.75, 1.75, 1.75}, gb.Midpoint(63))
	}
	{ // CellAtPos inverts Midpoint and wraps periodically
		for g := 0; g < gb.NCells(); g++ {
			assert.Equal(t, g, gb.CellAtPos(gb.Midpoint(g)))
		}
		assert.Equal(t, gb.CellAtPos(types.Vec3{0.1, 0.1, 0.1}),
			gb.CellAtPos(types.Vec3{2.1, 0.1, 0.1}))
		assert.Equal(t, gb.CellAtPos(types.Vec3{1.9, 0.1, 0.1}),
			gb.CellAtPos(types.Vec3{-0.1, 0.1, 0.1}))
	}
	{ // Shell index 13 is the cell itself
		for _, g := range []int{0, 17, 63} {
			assert.Equal(t, g, gb.Neighbor(g, SelfNeighbor))
		}
	}
	{ // Neighbor offsets, x slowest
		// k = 14 is offset (0, 0, +1)
		assert.Equal(t, 1, gb.Neighbor(0, 14))
		// k = 12 is offset (0, 0, -1), wrapping to the far z plane
		assert.Equal(t, 3, gb.Neighbor(0, 12))
		// k = 22 is offset (+1, 0, 0)
		assert.Equal(t, 16, gb.Neighbor(0, 22))
	}
	{ // Full shell: 26 entries, no center, all distinct on a 4^3 grid
		neigh := gb.FullShellNeighWithoutCenter(21)
		assert.Equal(t, 26, len(neigh))
		seen := map[int]bool{21: true}
		for _, g := range neigh {
			assert.False(t, seen[g])
			seen[g] = true
		}
	}
	{ // Invalid geometries
		_, err := New(types.Vec3{1, 1, 1}, types.Vec3i{0, 4, 4}, 0.1)
		assert.Error(t, err)
		_, err = New(types.Vec3{1, 1, 1}, types.Vec3i{4, 4, 4}, 0.3)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid geometry")
	}
}
