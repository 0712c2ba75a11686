package kdtree

import (
	"math"

	"github.com/golang/geo/r3"
)

// locate descends from the root to the leaf whose region contains p.
func (t *Tree) locate(p r3.Vector) cellID {
	id := t.root
	for {
		c := &t.cells[id]
		if c.isLeaf() {
			return id
		}
		if coord(p, c.cutDim) <= c.cutValue {
			id = c.lower
		} else {
			id = c.upper
		}
	}
}

func (t *Tree) sibling(parent, child cellID) cellID {
	c := &t.cells[parent]
	if c.lower == child {
		return c.upper
	}
	return c.lower
}

// Nearest returns the index of the point closest to p among those strictly closer than
// maxRadius. Pass math.Inf(1) for an unlimited radius. The second result is false when no
// point qualifies or the tree is empty.
func (t *Tree) Nearest(p r3.Vector, maxRadius float64) (int, bool) {
	s, ok := t.nearest(p, maxRadius)
	if !ok {
		return -1, false
	}
	return s.index, true
}

// Neighbor is a point found by a query.
type Neighbor struct {
	Index    int
	Point    r3.Vector
	Distance float64
}

// NearestNeighbor is like Nearest but also returns the point and its distance.
func (t *Tree) NearestNeighbor(p r3.Vector, maxRadius float64) (Neighbor, bool) {
	s, ok := t.nearest(p, maxRadius)
	if !ok {
		return Neighbor{Index: -1}, false
	}
	return Neighbor{
		Index:    s.index,
		Point:    t.src.PointAt(s.index),
		Distance: math.Sqrt(s.bestSq),
	}, true
}

type nearestSearch struct {
	tree   *Tree
	p      r3.Vector
	bestSq float64
	index  int
}

func (t *Tree) nearest(p r3.Vector, maxRadius float64) (*nearestSearch, bool) {
	if t.Empty() || !(maxRadius >= 0) {
		return nil, false
	}
	s := &nearestSearch{tree: t, p: p, bestSq: maxRadius * maxRadius, index: -1}

	leaf := t.locate(p)
	s.scanLeaf(&t.cells[leaf])

	for child := leaf; t.cells[child].parent != noCell; {
		parent := t.cells[child].parent
		if t.cfg.LegacyPruning {
			bound := outsideBoxDistance(p, &t.cells[parent])
			if !(bound*bound < s.bestSq) {
				break
			}
			s.searchSubTree(t.sibling(parent, child))
		} else {
			s.searchSubTree(t.sibling(parent, child))
			// Once the best ball lies inside the parent's region nothing outside the parent can
			// improve it, and the parent's subtree has been searched.
			bound := outsideBoxDistance(p, &t.cells[parent])
			if bound*bound >= s.bestSq {
				break
			}
		}
		child = parent
	}

	return s, s.index >= 0
}

func (s *nearestSearch) scanLeaf(c *cell) {
	for slot := c.start; slot < c.start+c.count; slot++ {
		idx := s.tree.perm[slot]
		if d := squareDistance(s.tree.src.PointAt(idx), s.p); d < s.bestSq {
			s.bestSq = d
			s.index = idx
		}
	}
}

// searchSubTree is a branch and bound search of the subtree rooted at id, tightening the best
// distance as it goes.
func (s *nearestSearch) searchSubTree(id cellID) {
	c := &s.tree.cells[id]
	if pointToBoxSquareDistance(s.p, c.inside) >= s.bestSq {
		return
	}
	if c.isLeaf() {
		s.scanLeaf(c)
		return
	}
	s.searchSubTree(c.upper)
	s.searchSubTree(c.lower)
}

// Within reports whether any point lies strictly closer to p than maxRadius.
func (t *Tree) Within(p r3.Vector, maxRadius float64) bool {
	if t.Empty() || !(maxRadius >= 0) {
		return false
	}
	radiusSq := maxRadius * maxRadius

	leaf := t.locate(p)
	if t.leafHasPointWithin(&t.cells[leaf], p, radiusSq) {
		return true
	}

	for child := leaf; t.cells[child].parent != noCell; {
		parent := t.cells[child].parent
		bound := outsideBoxDistance(p, &t.cells[parent])
		if t.cfg.LegacyPruning {
			if !(bound*bound < radiusSq) {
				return false
			}
			if t.subTreeHasPointWithin(t.sibling(parent, child), p, radiusSq) {
				return true
			}
		} else {
			if t.subTreeHasPointWithin(t.sibling(parent, child), p, radiusSq) {
				return true
			}
			if bound*bound >= radiusSq {
				return false
			}
		}
		child = parent
	}
	return false
}

func (t *Tree) leafHasPointWithin(c *cell, p r3.Vector, radiusSq float64) bool {
	for slot := c.start; slot < c.start+c.count; slot++ {
		if squareDistance(t.pointAt(slot), p) < radiusSq {
			return true
		}
	}
	return false
}

func (t *Tree) subTreeHasPointWithin(id cellID, p r3.Vector, radiusSq float64) bool {
	c := &t.cells[id]
	if pointToBoxSquareDistance(p, c.inside) >= radiusSq {
		return false
	}
	if c.isLeaf() {
		return t.leafHasPointWithin(c, p, radiusSq)
	}
	return t.subTreeHasPointWithin(c.lower, p, radiusSq) ||
		t.subTreeHasPointWithin(c.upper, p, radiusSq)
}

// Shell returns the indices of the points whose distance to p lies in
// [distance-tolerance, distance+tolerance]. Indices come in tree order, not by distance.
func (t *Tree) Shell(p r3.Vector, distance, tolerance float64) []int {
	if t.Empty() {
		return nil
	}
	var found []int
	t.shellScan(t.root, p, distance-tolerance, distance+tolerance, &found)
	return found
}

func (t *Tree) shellScan(id cellID, p r3.Vector, lo, hi float64, found *[]int) {
	c := &t.cells[id]
	minDist, maxDist := pointToBoxDistances(p, c.inside)
	// NaN bounds must prune too.
	if !(minDist <= hi && maxDist >= lo) {
		return
	}
	if !c.isLeaf() {
		t.shellScan(c.lower, p, lo, hi, found)
		t.shellScan(c.upper, p, lo, hi, found)
		return
	}
	if c.count == 1 {
		// The inside box of a single point leaf is the point itself.
		*found = append(*found, t.perm[c.start])
		return
	}
	for slot := c.start; slot < c.start+c.count; slot++ {
		d := t.pointAt(slot).Sub(p).Norm()
		if lo <= d && d <= hi {
			*found = append(*found, t.perm[slot])
		}
	}
}
