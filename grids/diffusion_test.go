package grids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/repart/comm"
	"github.com/notargets/repart/types"
)

func TestDiffusionRepartition(t *testing.T) {
	// The cell-assignment consumer hands the flow volumes to the donor;
	// cell selection itself belongs to the engine.
	fb := comm.NewFabric(4)
	err := fb.Run(types.Vec3i{4, 1, 1}, func(c *comm.Cart) {
		var (
			np        = 4
			left      = (c.Rank() + np - 1) % np
			right     = (c.Rank() + 1) % np
			neighbors = []int{left, right}
			gotRanks  []int
			gotVols   []float64
		)
		d := NewDiffusion(c, neighbors, FlowCalcWillebeek, func(ranks []int, volumes []float64) {
			gotRanks = ranks
			gotVols = volumes
		})
		defer d.Free()

		d.Repartition(lineLoads[c.Rank()])
		assert.Equal(t, neighbors, gotRanks)
		expected := [][]float64{
			{0, 10. / 3},
			{0, 0},
			{0, 0},
			{10. / 3, 0},
		}[c.Rank()]
		for i := range gotVols {
			assert.InDelta(t, expected[i], gotVols[i], 1e-12)
		}
	})
	require.NoError(t, err)
}

func TestDiffusionCommand(t *testing.T) {
	fb := comm.NewFabric(1)
	err := fb.Run(types.Vec3i{1, 1, 1}, func(c *comm.Cart) {
		{ // SOF supports both tunables
			d := NewDiffusion(c, nil, FlowCalcSOF, nil)
			defer d.Free()
			sof := d.flow.(*SOFVolumeComputation)

			d.Command("n_flow_iter = 3")
			assert.Equal(t, uint32(3), sof.nflowIter)
			d.Command(" beta = 1.2 ")
			assert.Equal(t, 1.2, sof.beta)

			// Unrecognized or malformed strings are ignored.
			for _, s := range []string{"", "beta = x", "n_flow_iter = -1", "mu = 2.0"} {
				d.Command(s)
			}
			assert.Equal(t, uint32(3), sof.nflowIter)
			assert.Equal(t, 1.2, sof.beta)
		}
		{ // WLM has no tunables; commands fall through silently
			d := NewDiffusion(c, nil, FlowCalcWillebeek, nil)
			defer d.Free()
			d.Command("n_flow_iter = 5")
			d.Command("beta = 2.0")
		}
	})
	require.NoError(t, err)
}
