package tetra

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/notargets/repart/types"
)

// cubeCorners returns the corners of the axis-aligned cube [lo, hi]^3 in
// offset order (corner 0 is the max corner).
func cubeCorners(lo, hi float64) (c [NCorners]types.Vec3) {
	for i := 0; i < NCorners; i++ {
		off := [3]int{(i >> 2) & 1, (i >> 1) & 1, i & 1}
		for d := 0; d < 3; d++ {
			if off[d] == 0 {
				c[i][d] = hi
			} else {
				c[i][d] = lo
			}
		}
	}
	return
}

func TestOctagon(t *testing.T) {
	{ // Axis-aligned cube
		o := NewOctagon(cubeCorners(0, 1))
		assert.True(t, o.Contains(types.Vec3{0.5, 0.5, 0.5}))
		assert.True(t, o.Contains(types.Vec3{0.01, 0.99, 0.5}))
		assert.False(t, o.Contains(types.Vec3{1.5, 0.5, 0.5}))
		assert.False(t, o.Contains(types.Vec3{0.5, -0.1, 0.5}))
		assert.False(t, o.Contains(types.Vec3{-0.5, -0.5, -0.5}))
		// Boundary counts as contained
		assert.True(t, o.Contains(types.Vec3{1, 0.5, 0.5}))
		assert.True(t, o.Contains(types.Vec3{0, 0, 0}))
	}
	{ // Warped octagon: pull the max corner outward, keep the rest
		c := cubeCorners(0, 1)
		c[0] = types.Vec3{1.4, 1.4, 1.4}
		o := NewOctagon(c)
		assert.True(t, o.Contains(types.Vec3{0.5, 0.5, 0.5}))
		assert.True(t, o.Contains(types.Vec3{1.1, 1.1, 1.1}))
		assert.False(t, o.Contains(types.Vec3{1.5, 1.5, 1.5}))
		assert.False(t, o.Contains(types.Vec3{1.3, 0.1, 0.1}))
	}
	{ // Two octagons sharing a warped face claim each interior point once
		left := cubeCorners(0, 1)
		right := cubeCorners(0, 1)
		for i := 0; i < NCorners; i++ {
			right[i][0] += 1 // shift along x
		}
		// Warp the shared face x=1: move two of its gridpoints. Corner
		// labels on the left octagon's high-x face are the ones with
		// off_x = 0 (indices 0..3); the right octagon sees the same
		// points at off_x = 1 (indices 4..7) with matching (y,z) offsets.
		for _, yz := range [][2]int{{0, 1}, {1, 0}} {
			i := yz[0]<<1 | yz[1]
			left[i][0] += 0.2
			right[4+i][0] += 0.2
		}
		lo, ro := NewOctagon(left), NewOctagon(right)

		// Sample strictly inside the union, away from the outer hull. The
		// step sizes are chosen so no sample lands exactly on the shared
		// triangulated surface (where both octagons report containment).
		for x := 0.853; x < 1.35; x += 0.0237 {
			for y := 0.107; y < 0.99; y += 0.0893 {
				for z := 0.131; z < 0.99; z += 0.0717 {
					p := types.Vec3{x, y, z}
					inL, inR := lo.Contains(p), ro.Contains(p)
					assert.True(t, inL || inR, "uncovered point %v", p)
					// Overlap only on the shared triangulated surface,
					// which these samples avoid.
					assert.False(t, inL && inR, "doubly owned point %v", p)
				}
			}
		}
	}
}
