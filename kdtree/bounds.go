package kdtree

import (
	"math"

	"github.com/golang/geo/r3"
)

// updateOutsideBox derives the outside box of a newly created cell from its parent's. It must
// run before the cell's children are created, since they derive theirs from it.
func (b *builder) updateOutsideBox(id cellID, lowerSide bool) {
	c := &b.cells[id]
	if c.parent == noCell {
		c.bounds = 0
		return
	}
	parent := &b.cells[c.parent]
	c.bounds = parent.bounds
	c.outside = parent.outside

	axis := parent.cutDim
	if b.legacy {
		// Legacy trees pick the side from the cell's first point, which mislabels an upper
		// child starting with a coordinate equal to the cut.
		lowerSide = coord(b.list[c.start].p, axis) <= parent.cutValue
	}
	if lowerSide {
		c.bounds |= maxKnown(axis)
		setCoord(&c.outside.Max, axis, parent.cutValue)
	} else {
		c.bounds |= minKnown(axis)
		setCoord(&c.outside.Min, axis, parent.cutValue)
	}
}

// updateInsideBox computes the tight box of a cell once its children exist.
func (b *builder) updateInsideBox(id cellID) {
	c := &b.cells[id]
	if !c.isLeaf() {
		c.inside = b.cells[c.lower].inside.union(b.cells[c.upper].inside)
		return
	}
	inside := emptyBox()
	for _, wp := range b.list[c.start : c.start+c.count] {
		inside = inside.extend(wp.p)
	}
	c.inside = inside
}

// pointToBoxSquareDistance returns the squared distance from p to the nearest point of bb, zero
// when p is inside.
func pointToBoxSquareDistance(p r3.Vector, bb box) float64 {
	var sum float64
	for axis := 0; axis < 3; axis++ {
		d := axisGap(coord(p, axis), coord(bb.Min, axis), coord(bb.Max, axis))
		sum += d * d
	}
	return sum
}

// pointToBoxDistances returns the smallest and largest distance from p to any point that may lie
// in bb.
func pointToBoxDistances(p r3.Vector, bb box) (float64, float64) {
	minDist := math.Sqrt(pointToBoxSquareDistance(p, bb))
	var sum float64
	for axis := 0; axis < 3; axis++ {
		v := coord(p, axis)
		d := math.Max(math.Abs(v-coord(bb.Min, axis)), math.Abs(v-coord(bb.Max, axis)))
		sum += d * d
	}
	return minDist, math.Sqrt(sum)
}

func axisGap(v, lo, hi float64) float64 {
	if lo <= v && v <= hi {
		return 0
	}
	return math.Min(math.Abs(v-lo), math.Abs(v-hi))
}

// outsideBoxDistance returns the distance from p to the nearest known plane of the cell's
// outside box. A cell without any known plane yields zero, which never allows pruning.
func outsideBoxDistance(p r3.Vector, c *cell) float64 {
	if c.bounds == 0 {
		return 0
	}
	dist := math.Inf(1)
	for axis := 0; axis < 3; axis++ {
		v := coord(p, axis)
		if c.bounds&minKnown(axis) != 0 {
			dist = math.Min(dist, math.Abs(v-coord(c.outside.Min, axis)))
		}
		if c.bounds&maxKnown(axis) != 0 {
			dist = math.Min(dist, math.Abs(v-coord(c.outside.Max, axis)))
		}
	}
	return dist
}

func squareDistance(a, b r3.Vector) float64 {
	d := a.Sub(b)
	return d.Dot(d)
}
