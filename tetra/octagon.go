// Package tetra implements point-in-subdomain tests for the octagonal
// subdomains of the grid-based partitioner. An octagon is the generally
// non-convex hexahedron spanned by the eight gridpoints surrounding a
// process; it is decomposed into six tetrahedra along monotone vertex paths
// (a Kuhn split). Adjacent octagons share the four gridpoints of their
// common face and the split puts the same diagonal on both sides, so the
// triangulated boundary surfaces partition space exactly: every point off
// the (measure-zero) surfaces is claimed by exactly one octagon.
package tetra

import "github.com/notargets/repart/types"

// Corner order: index i encodes the 3-bit offset (off_x, off_y, off_z) with
// x in the highest bit. Corner 0 is the process's own gridpoint (the
// upper-right-back corner of its subdomain), corner 7 the gridpoint of the
// diagonally lower neighbor.
const NCorners = 8

// kuhnPaths lists the axis insertion orders of the six path tetrahedra.
var kuhnPaths = [6][3]int{
	{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
}

// axisBit is the corner-label bit of each axis (x highest).
var axisBit = [3]int{4, 2, 1}

type tetrahedron [4]types.Vec3

// Octagon is a value type holding its corner positions; it keeps no
// reference to the gridpoint array it was built from.
type Octagon struct {
	tets [6]tetrahedron
}

// NewOctagon builds the octagon from its 8 corners in offset order.
func NewOctagon(corners [NCorners]types.Vec3) (o Octagon) {
	// Relabel so that a set bit means "high along that axis": corner i has
	// offset bits where set means shifted down, so label = ^i & 7.
	var v [NCorners]types.Vec3
	for i := 0; i < NCorners; i++ {
		v[7-i] = corners[i]
	}
	for p, path := range kuhnPaths {
		l1 := axisBit[path[0]]
		l2 := l1 | axisBit[path[1]]
		o.tets[p] = tetrahedron{v[0], v[l1], v[l2], v[7]}
	}
	return
}

// Contains reports whether p lies in the octagon. Boundary points are
// contained; callers keep cell midpoints off shared boundaries (see the
// gridpoint nudge in the grid-based partitioner).
func (o Octagon) Contains(p types.Vec3) bool {
	for i := range o.tets {
		if o.tets[i].contains(p) {
			return true
		}
	}
	return false
}

func (t tetrahedron) contains(p types.Vec3) bool {
	return sameSide(t[0], t[1], t[2], t[3], p) &&
		sameSide(t[1], t[2], t[3], t[0], p) &&
		sameSide(t[2], t[3], t[0], t[1], p) &&
		sameSide(t[3], t[0], t[1], t[2], p)
}

// sameSide tests whether p lies on the same side of plane (a,b,c) as d,
// counting the plane itself as inside.
func sameSide(a, b, c, d, p types.Vec3) bool {
	n := b.Sub(a).Cross(c.Sub(a))
	return n.Dot(d.Sub(a))*n.Dot(p.Sub(a)) >= 0
}
