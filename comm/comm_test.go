package comm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/repart/types"
)

func TestCart(t *testing.T) {
	{ // Coordinates round trip with periodic wrap
		fb := NewFabric(8)
		err := fb.Run(types.Vec3i{2, 2, 2}, func(c *Cart) {
			assert.Equal(t, c.rank, c.CartRank(c.Coords()))
			assert.Equal(t, c.Coords(), c.CartCoords(c.Rank()))
			// One full period in every direction maps back to self
			assert.Equal(t, c.rank, c.CartRank(c.Coords().Add(types.Vec3i{2, 2, 2})))
			assert.Equal(t, c.rank, c.CartRank(c.Coords().Add(types.Vec3i{-2, 0, 0})))
		})
		require.NoError(t, err)
	}
	{ // AllGather orders contributions by rank
		fb := NewFabric(4)
		err := fb.Run(types.Vec3i{4, 1, 1}, func(c *Cart) {
			got := c.AllGather([]float64{float64(c.Rank()), float64(10 * c.Rank())})
			assert.Equal(t, []float64{0, 0, 1, 10, 2, 20, 3, 30}, got)
		})
		require.NoError(t, err)
	}
	{ // Reductions
		fb := NewFabric(4)
		err := fb.Run(types.Vec3i{4, 1, 1}, func(c *Cart) {
			assert.Equal(t, 6, c.AllReduceInt(OpSum, c.Rank()))
			assert.Equal(t, 3, c.AllReduceInt(OpMax, c.Rank()))
			assert.Equal(t, 0, c.AllReduceInt(OpMin, c.Rank()))
			assert.Equal(t, 6., c.AllReduceFloat(OpSum, float64(c.Rank())))
		})
		require.NoError(t, err)
	}
	{ // Variable-length gather returns counts and displacements
		fb := NewFabric(3)
		err := fb.Run(types.Vec3i{3, 1, 1}, func(c *Cart) {
			buf := make([]float64, c.Rank()+1)
			for i := range buf {
				buf[i] = float64(c.Rank())
			}
			vals, rcounts, displs := c.AllGatherVar(buf)
			assert.Equal(t, []float64{0, 1, 1, 2, 2, 2}, vals)
			assert.Equal(t, []int{1, 2, 3}, rcounts)
			assert.Equal(t, []int{0, 1, 3}, displs)

			ivals, ircounts, _ := c.AllGatherVarInt([]int{c.Rank(), -1})
			assert.Equal(t, []int{0, -1, 1, -1, 2, -1}, ivals)
			assert.Equal(t, []int{2, 2, 2}, ircounts)
		})
		require.NoError(t, err)
	}
	{ // AllGatherVec3 indexes by rank
		fb := NewFabric(2)
		err := fb.Run(types.Vec3i{2, 1, 1}, func(c *Cart) {
			pts := c.AllGatherVec3(types.Vec3{float64(c.Rank()), 0, 0})
			assert.Equal(t, []types.Vec3{{0, 0, 0}, {1, 0, 0}}, pts)
		})
		require.NoError(t, err)
	}
	{ // A panicking rank aborts the whole group
		fb := NewFabric(2)
		err := fb.Run(types.Vec3i{2, 1, 1}, func(c *Cart) {
			if c.Rank() == 1 {
				panic("boom")
			}
			// Rank 0 would otherwise block here forever.
			defer func() { recover() }()
			c.Barrier()
		})
		require.Error(t, err)
	}
}

func TestGraph(t *testing.T) {
	{ // Ring neighbor allgather: sources ordered as given
		fb := NewFabric(4)
		err := fb.Run(types.Vec3i{4, 1, 1}, func(c *Cart) {
			left := c.CartRank(c.Coords().Add(types.Vec3i{-1, 0, 0}))
			right := c.CartRank(c.Coords().Add(types.Vec3i{1, 0, 0}))
			g := NewGraph(c, []int{left, right}, []int{left, right})
			defer g.Free()

			got := g.NeighborAllGather([]float64{float64(c.Rank())})
			assert.Equal(t, []float64{float64(left), float64(right)}, got)
			assert.Equal(t, 2, g.InDegree())
		})
		require.NoError(t, err)
	}
	{ // Self edges are delivered like any other
		fb := NewFabric(2)
		err := fb.Run(types.Vec3i{2, 1, 1}, func(c *Cart) {
			other := 1 - c.Rank()
			g := NewGraph(c, []int{other, c.Rank()}, []int{other, c.Rank()})
			defer g.Free()
			got := g.NeighborAllGather([]float64{float64(c.Rank())})
			assert.Equal(t, []float64{float64(other), float64(c.Rank())}, got)
		})
		require.NoError(t, err)
	}
	{ // Asymmetric upper/lower split still pairs up across ranks
		fb := NewFabric(2)
		err := fb.Run(types.Vec3i{2, 1, 1}, func(c *Cart) {
			other := 1 - c.Rank()
			// Everyone receives from "upper" (other, self) and sends to
			// "lower" (other, self); on two ranks both splits coincide.
			g := NewGraph(c, []int{other, c.Rank()}, []int{other, c.Rank()})
			defer g.Free()
			got := g.NeighborAllGather([]float64{100 + float64(c.Rank())})
			assert.Equal(t, []float64{100 + float64(other), 100 + float64(c.Rank())}, got)
		})
		require.NoError(t, err)
	}
}

func TestFabricDeterminism(t *testing.T) {
	// Two identical runs must produce bitwise-identical gathers on every
	// rank regardless of goroutine scheduling.
	run := func() [][]float64 {
		out := make([][]float64, 4)
		var mu sync.Mutex
		fb := NewFabric(4)
		err := fb.Run(types.Vec3i{2, 2, 1}, func(c *Cart) {
			got := c.AllGather([]float64{float64(c.Rank()) * 0.1})
			mu.Lock()
			out[c.Rank()] = got
			mu.Unlock()
		})
		require.NoError(t, err)
		return out
	}
	a, b := run(), run()
	assert.Equal(t, a, b)
	for r := 1; r < 4; r++ {
		assert.Equal(t, a[0], a[r])
	}
}
