package kdtree

import (
	"math"

	"github.com/golang/geo/r3"
)

// cellID addresses a cell in the tree's arena.
type cellID int32

const noCell cellID = -1

// boundsMask marks which planes of an outside box are known. Bits 0-2 mark a known minimum
// on x, y and z; bits 3-5 mark a known maximum.
type boundsMask uint8

func minKnown(axis int) boundsMask {
	return 1 << axis
}

func maxKnown(axis int) boundsMask {
	return 1 << (3 + axis)
}

// box is an axis aligned bounding box.
type box struct {
	Min, Max r3.Vector
}

// emptyBox returns a box that any point extends.
func emptyBox() box {
	return box{
		Min: r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)},
		Max: r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)},
	}
}

func (b box) extend(p r3.Vector) box {
	return box{
		Min: r3.Vector{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)},
		Max: r3.Vector{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)},
	}
}

func (b box) union(o box) box {
	return box{
		Min: r3.Vector{X: math.Min(b.Min.X, o.Min.X), Y: math.Min(b.Min.Y, o.Min.Y), Z: math.Min(b.Min.Z, o.Min.Z)},
		Max: r3.Vector{X: math.Max(b.Max.X, o.Max.X), Y: math.Max(b.Max.Y, o.Max.Y), Z: math.Max(b.Max.Z, o.Max.Z)},
	}
}

// cell is a node of the tree. Internal cells have both children set; leaves have neither and
// own the permutation range [start, start+count).
type cell struct {
	parent cellID
	lower  cellID
	upper  cellID

	start int
	count int

	cutDim   int
	cutValue float64

	inside  box
	outside box
	bounds  boundsMask
}

func (c *cell) isLeaf() bool {
	return c.lower == noCell && c.upper == noCell
}

// coord returns the component of v along axis (0 = x, 1 = y, 2 = z).
func coord(v r3.Vector, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func setCoord(v *r3.Vector, axis int, value float64) {
	switch axis {
	case 0:
		v.X = value
	case 1:
		v.Y = value
	default:
		v.Z = value
	}
}
