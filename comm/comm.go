package comm

import (
	"fmt"
	"sync"

	"github.com/notargets/repart/types"
)

// Op is an aggregation operation for reductions.
type Op uint8

const (
	OpSum Op = iota
	OpMax
	OpMin
)

// message travels between two ranks. Exactly one of the payload slices is
// set, depending on the collective that produced it.
type message struct {
	f []float64
	i []int
}

// chanCap bounds how far one rank can run ahead of a peer. A rank completes
// a collective only after receiving from every peer, so at most two
// collectives' worth of messages can be in flight per ordered pair.
const chanCap = 4

// Fabric is the in-process transport connecting NP ranks. Each ordered pair
// of ranks owns a buffered FIFO channel, so message matching follows the
// same ordering rules as MPI point-to-point traffic.
type Fabric struct {
	NP      int
	chans   [][]chan message
	aborted chan struct{}
	abortMu sync.Once
	failure error
}

func NewFabric(np int) (fb *Fabric) {
	if np < 1 {
		panic(fmt.Sprintf("fabric requires at least one rank, got %d", np))
	}
	fb = &Fabric{
		NP:      np,
		chans:   make([][]chan message, np),
		aborted: make(chan struct{}),
	}
	for s := 0; s < np; s++ {
		fb.chans[s] = make([]chan message, np)
		for d := 0; d < np; d++ {
			fb.chans[s][d] = make(chan message, chanCap)
		}
	}
	return
}

func (fb *Fabric) abort(err error) {
	fb.abortMu.Do(func() {
		fb.failure = err
		close(fb.aborted)
	})
}

// Run executes body once per rank on its own goroutine and blocks until all
// ranks return. dims is the Cartesian process grid; its volume must equal
// the fabric size. A panic in any rank aborts every other rank so that no
// rank exits alone, then surfaces as the returned error.
func (fb *Fabric) Run(dims types.Vec3i, body func(c *Cart)) error {
	if dims.Prod() != fb.NP {
		return fmt.Errorf("process grid %v does not hold %d ranks", dims, fb.NP)
	}
	var wg sync.WaitGroup
	wg.Add(fb.NP)
	for r := 0; r < fb.NP; r++ {
		go func(rank int) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					fb.abort(fmt.Errorf("rank %d: %v", rank, p))
				}
			}()
			body(&Cart{
				fb:     fb,
				rank:   rank,
				dims:   dims,
				coords: types.Unlinearize(rank, dims),
			})
		}(r)
	}
	wg.Wait()
	return fb.failure
}

// Cart is one rank's handle on a fully periodic Cartesian communicator.
// All collectives must be entered by every rank of the fabric.
type Cart struct {
	fb     *Fabric
	rank   int
	dims   types.Vec3i
	coords types.Vec3i
}

func (c *Cart) Rank() int           { return c.rank }
func (c *Cart) Size() int           { return c.fb.NP }
func (c *Cart) Dims() types.Vec3i   { return c.dims }
func (c *Cart) Coords() types.Vec3i { return c.coords }

// CartRank resolves (periodically wrapped) Cartesian coordinates to a rank.
func (c *Cart) CartRank(coords types.Vec3i) int {
	return types.Linearize(coords.Wrap(c.dims), c.dims)
}

// CartCoords is the inverse of CartRank for in-range ranks.
func (c *Cart) CartCoords(r int) types.Vec3i {
	return types.Unlinearize(r, c.dims)
}

// send copies the payload before handing it off, so callers are free to
// reuse their buffers as soon as the collective returns (MPI buffer
// semantics).
func (c *Cart) send(dst int, m message) {
	if m.f != nil {
		m.f = append([]float64(nil), m.f...)
	}
	if m.i != nil {
		m.i = append([]int(nil), m.i...)
	}
	select {
	case c.fb.chans[c.rank][dst] <- m:
	case <-c.fb.aborted:
		panic("peer rank failed")
	}
}

func (c *Cart) recv(src int) message {
	select {
	case m := <-c.fb.chans[src][c.rank]:
		return m
	case <-c.fb.aborted:
		panic("peer rank failed")
	}
}

// AllGather concatenates each rank's buf in rank order. Every rank must pass
// a buffer of the same length.
func (c *Cart) AllGather(buf []float64) []float64 {
	for dst := 0; dst < c.fb.NP; dst++ {
		if dst == c.rank {
			continue
		}
		c.send(dst, message{f: buf})
	}
	out := make([]float64, 0, c.fb.NP*len(buf))
	for src := 0; src < c.fb.NP; src++ {
		if src == c.rank {
			out = append(out, buf...)
			continue
		}
		out = append(out, c.recv(src).f...)
	}
	return out
}

// AllGatherVec3 gathers one point per rank, indexed by rank.
func (c *Cart) AllGatherVec3(v types.Vec3) []types.Vec3 {
	flat := c.AllGather(v[:])
	out := make([]types.Vec3, c.fb.NP)
	for r := 0; r < c.fb.NP; r++ {
		copy(out[r][:], flat[3*r:3*r+3])
	}
	return out
}

// AllGatherVar gathers variable-length contributions, returning the
// concatenated values along with per-rank counts and displacements.
func (c *Cart) AllGatherVar(buf []float64) (vals []float64, rcounts, displs []int) {
	for dst := 0; dst < c.fb.NP; dst++ {
		if dst == c.rank {
			continue
		}
		c.send(dst, message{f: buf})
	}
	rcounts = make([]int, c.fb.NP)
	displs = make([]int, c.fb.NP)
	for src := 0; src < c.fb.NP; src++ {
		var part []float64
		if src == c.rank {
			part = buf
		} else {
			part = c.recv(src).f
		}
		rcounts[src] = len(part)
		displs[src] = len(vals)
		vals = append(vals, part...)
	}
	return
}

// AllGatherVarInt is AllGatherVar for integer payloads.
func (c *Cart) AllGatherVarInt(buf []int) (vals []int, rcounts, displs []int) {
	for dst := 0; dst < c.fb.NP; dst++ {
		if dst == c.rank {
			continue
		}
		c.send(dst, message{i: buf})
	}
	rcounts = make([]int, c.fb.NP)
	displs = make([]int, c.fb.NP)
	for src := 0; src < c.fb.NP; src++ {
		var part []int
		if src == c.rank {
			part = buf
		} else {
			part = c.recv(src).i
		}
		rcounts[src] = len(part)
		displs[src] = len(vals)
		vals = append(vals, part...)
	}
	return
}

// AllReduceInt folds x across all ranks in rank order, so every rank sees a
// bitwise-identical result.
func (c *Cart) AllReduceInt(op Op, x int) int {
	all := c.AllGather([]float64{float64(x)})
	acc := int(all[0])
	for _, v := range all[1:] {
		acc = reduceInt(op, acc, int(v))
	}
	return acc
}

// AllReduceFloat folds x across all ranks in rank order.
func (c *Cart) AllReduceFloat(op Op, x float64) float64 {
	all := c.AllGather([]float64{x})
	acc := all[0]
	for _, v := range all[1:] {
		acc = reduceFloat(op, acc, v)
	}
	return acc
}

// Barrier blocks until every rank arrives.
func (c *Cart) Barrier() {
	c.AllGather(nil)
}

func reduceInt(op Op, a, b int) int {
	switch op {
	case OpSum:
		return a + b
	case OpMax:
		if b > a {
			return b
		}
		return a
	case OpMin:
		if b < a {
			return b
		}
		return a
	}
	panic("unknown reduction op")
}

func reduceFloat(op Op, a, b float64) float64 {
	switch op {
	case OpSum:
		return a + b
	case OpMax:
		if b > a {
			return b
		}
		return a
	case OpMin:
		if b < a {
			return b
		}
		return a
	}
	panic("unknown reduction op")
}
