package grids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/repart/comm"
	"github.com/notargets/repart/types"
)

func TestNewPargrid(t *testing.T) {
	fb := comm.NewFabric(1)
	err := fb.Run(types.Vec3i{1, 1, 1}, func(c *comm.Cart) {
		g, err := NewPargrid(GridBasedType, c, types.Vec3{2, 2, 2}, 0.5, nil)
		assert.NoError(t, err)
		assert.Equal(t, 64, g.NLocalCells())
		assert.Equal(t, types.Vec3i{4, 4, 4}, g.GridSize())

		// The grid resolution is the finest admissible one.
		g2, err := NewPargrid(GridBasedType, c, types.Vec3{2, 2, 2}, 0.3, nil)
		assert.NoError(t, err)
		assert.Equal(t, types.Vec3i{6, 6, 6}, g2.GridSize())

		_, err = NewPargrid(GridType(99), c, types.Vec3{2, 2, 2}, 0.5, nil)
		assert.Error(t, err)

		// Cells smaller than the minimum are fatal at construction.
		_, err = NewPargrid(GridBasedType, c, types.Vec3{2, 2, 0.1}, 0.5, nil)
		assert.Error(t, err)
	})
	require.NoError(t, err)
}
