package kdtree

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/pcindex/logging"
)

// examplePoints holds the points used throughout the package tests.
var examplePoints = Points{
	{X: 0, Y: 0, Z: 0},
	{X: 10, Y: 0, Z: 0},
	{X: 0, Y: 10, Z: 0},
	{X: 1, Y: 1, Z: 1},
}

func randomPoints(rng *rand.Rand, n int, scale float64) Points {
	ps := make(Points, n)
	for i := range ps {
		ps[i] = r3.Vector{X: rng.Float64() * scale, Y: rng.Float64() * scale, Z: rng.Float64() * scale}
	}
	return ps
}

// gridPoints has many repeated coordinates on every axis.
func gridPoints(rng *rand.Rand, n, side int) Points {
	ps := make(Points, n)
	for i := range ps {
		ps[i] = r3.Vector{X: float64(rng.Intn(side)), Y: float64(rng.Intn(side)), Z: float64(rng.Intn(side))}
	}
	return ps
}

func duplicatePoints(rng *rand.Rand, n int) Points {
	distinct := randomPoints(rng, 1+n/8, 10)
	ps := make(Points, n)
	for i := range ps {
		ps[i] = distinct[rng.Intn(len(distinct))]
	}
	return ps
}

func collinearPoints(rng *rand.Rand, n int) Points {
	dir := r3.Vector{X: 1, Y: 2, Z: -0.5}
	ps := make(Points, n)
	for i := range ps {
		ps[i] = dir.Mul(rng.Float64() * 10)
	}
	return ps
}

func coplanarPoints(rng *rand.Rand, n int) Points {
	ps := make(Points, n)
	for i := range ps {
		ps[i] = r3.Vector{X: rng.Float64() * 10, Y: 3, Z: rng.Float64() * 10}
	}
	return ps
}

type namedCloud struct {
	name   string
	points Points
}

func testClouds(rng *rand.Rand) []namedCloud {
	return []namedCloud{
		{"single", Points{{X: 1, Y: 2, Z: 3}}},
		{"example", examplePoints},
		{"random", randomPoints(rng, 300, 10)},
		{"grid", gridPoints(rng, 300, 4)},
		{"duplicates", duplicatePoints(rng, 200)},
		{"identical", duplicatePoints(rng, 7)[:1].repeat(40)},
		{"collinear", collinearPoints(rng, 200)},
		{"coplanar", coplanarPoints(rng, 200)},
	}
}

func (ps Points) repeat(n int) Points {
	out := make(Points, 0, len(ps)*n)
	for i := 0; i < n; i++ {
		out = append(out, ps...)
	}
	return out
}

func buildTree(t *testing.T, ps Points, opts ...Option) *Tree {
	t.Helper()
	tree := New(opts...)
	test.That(t, tree.Build(context.Background(), ps, nil), test.ShouldBeNil)
	return tree
}

func inBox(p r3.Vector, bb box) bool {
	for axis := 0; axis < 3; axis++ {
		v := coord(p, axis)
		if v < coord(bb.Min, axis) || v > coord(bb.Max, axis) {
			return false
		}
	}
	return true
}

// checkInvariants walks every cell of a built tree and verifies its structure.
func checkInvariants(t *testing.T, tree *Tree) {
	t.Helper()
	n := tree.Source().Size()

	test.That(t, tree.Len(), test.ShouldEqual, n)
	seen := make([]bool, n)
	for _, idx := range tree.perm {
		test.That(t, idx, test.ShouldBeBetweenOrEqual, 0, n-1)
		test.That(t, seen[idx], test.ShouldBeFalse)
		seen[idx] = true
	}

	root := &tree.cells[tree.root]
	test.That(t, tree.root, test.ShouldEqual, cellID(0))
	test.That(t, root.parent, test.ShouldEqual, noCell)
	test.That(t, root.bounds, test.ShouldEqual, boundsMask(0))
	test.That(t, root.start, test.ShouldEqual, 0)
	test.That(t, root.count, test.ShouldEqual, n)

	leaves := 0
	covered := 0
	for id := range tree.cells {
		c := &tree.cells[id]

		// inside box is exactly the min/max over the cell's range
		tight := emptyBox()
		for slot := c.start; slot < c.start+c.count; slot++ {
			p := tree.pointAt(slot)
			tight = tight.extend(p)
			for axis := 0; axis < 3; axis++ {
				if c.bounds&minKnown(axis) != 0 {
					test.That(t, coord(p, axis), test.ShouldBeGreaterThanOrEqualTo, coord(c.outside.Min, axis))
				}
				if c.bounds&maxKnown(axis) != 0 {
					test.That(t, coord(p, axis), test.ShouldBeLessThanOrEqualTo, coord(c.outside.Max, axis))
				}
			}
		}
		test.That(t, c.inside, test.ShouldResemble, tight)

		if c.parent != noCell {
			parent := &tree.cells[c.parent]
			axis := parent.cutDim
			added := c.bounds &^ parent.bounds
			test.That(t, c.bounds&parent.bounds, test.ShouldEqual, parent.bounds)
			if parent.lower == cellID(id) {
				test.That(t, c.bounds&maxKnown(axis), test.ShouldNotEqual, boundsMask(0))
				test.That(t, coord(c.outside.Max, axis), test.ShouldEqual, parent.cutValue)
				test.That(t, added&^maxKnown(axis), test.ShouldEqual, boundsMask(0))
			} else {
				test.That(t, parent.upper, test.ShouldEqual, cellID(id))
				test.That(t, c.bounds&minKnown(axis), test.ShouldNotEqual, boundsMask(0))
				test.That(t, coord(c.outside.Min, axis), test.ShouldEqual, parent.cutValue)
				test.That(t, added&^minKnown(axis), test.ShouldEqual, boundsMask(0))
			}
		}

		if c.isLeaf() {
			leaves++
			covered += c.count
			test.That(t, c.cutDim, test.ShouldEqual, 0)
			test.That(t, c.count, test.ShouldBeBetweenOrEqual, 1, tree.cfg.LeafSize)
			continue
		}

		test.That(t, c.count, test.ShouldBeGreaterThan, tree.cfg.LeafSize)
		lower, upper := &tree.cells[c.lower], &tree.cells[c.upper]
		test.That(t, lower.parent, test.ShouldEqual, cellID(id))
		test.That(t, upper.parent, test.ShouldEqual, cellID(id))
		if !lower.isLeaf() {
			test.That(t, lower.cutDim, test.ShouldEqual, (c.cutDim+1)%3)
		}

		// median split of the sorted range
		split := c.start + (c.count-1)/2
		test.That(t, lower.start, test.ShouldEqual, c.start)
		test.That(t, lower.count, test.ShouldEqual, split-c.start+1)
		test.That(t, upper.start, test.ShouldEqual, split+1)
		test.That(t, upper.count, test.ShouldEqual, c.start+c.count-split-1)
		for slot := lower.start; slot < lower.start+lower.count; slot++ {
			test.That(t, coord(tree.pointAt(slot), c.cutDim), test.ShouldBeLessThanOrEqualTo, c.cutValue)
		}
		for slot := upper.start; slot < upper.start+upper.count; slot++ {
			test.That(t, coord(tree.pointAt(slot), c.cutDim), test.ShouldBeGreaterThanOrEqualTo, c.cutValue)
		}
		test.That(t, c.inside, test.ShouldResemble, lower.inside.union(upper.inside))
		test.That(t, inBox(lower.inside.Min, c.inside), test.ShouldBeTrue)
	}
	test.That(t, covered, test.ShouldEqual, n)
	test.That(t, len(tree.cells), test.ShouldEqual, 2*leaves-1)
}

func TestBuildInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, cloud := range testClouds(rng) {
		for _, leafSize := range []int{1, 2, 4} {
			t.Run(cloud.name, func(t *testing.T) {
				tree := buildTree(t, cloud.points, WithLeafSize(leafSize))
				checkInvariants(t, tree)
			})
		}
	}
}

func TestBuildLegacyInvariants(t *testing.T) {
	// Legacy trees classify children by their first point, so only the structural invariants
	// that do not depend on the outside boxes are checked.
	rng := rand.New(rand.NewSource(2))
	ps := randomPoints(rng, 100, 10)
	tree := buildTree(t, ps, WithLegacyPruning())
	test.That(t, tree.Config().LegacyPruning, test.ShouldBeTrue)
	test.That(t, tree.CellCount(), test.ShouldEqual, 2*len(ps)-1)
	test.That(t, tree.Len(), test.ShouldEqual, len(ps))
}

func TestBuildExample(t *testing.T) {
	tree := buildTree(t, examplePoints)
	test.That(t, tree.Empty(), test.ShouldBeFalse)
	test.That(t, tree.CellCount(), test.ShouldEqual, 7)
	test.That(t, tree.Stats(), test.ShouldResemble, Stats{Points: 4, Cells: 7, Leaves: 4, Depth: 3, LargestLeaf: 1})

	root := tree.cells[tree.root]
	test.That(t, root.cutDim, test.ShouldEqual, 0)
	test.That(t, root.inside, test.ShouldResemble, box{Min: r3.Vector{}, Max: r3.Vector{X: 10, Y: 10, Z: 1}})
	checkInvariants(t, tree)

	tree2 := buildTree(t, examplePoints, WithLeafSize(8))
	test.That(t, cmp.Diff(Stats{Points: 4, Cells: 1, Leaves: 1, Depth: 1, LargestLeaf: 4}, tree2.Stats()), test.ShouldBeEmpty)

	rendered := tree.Stats().String()
	test.That(t, rendered, test.ShouldContainSubstring, "STAT")
	test.That(t, rendered, test.ShouldContainSubstring, "largest leaf")
	test.That(t, rendered, test.ShouldContainSubstring, "| cells ")
}

func TestBuildEmpty(t *testing.T) {
	tree := New()
	err := tree.Build(context.Background(), Points{}, nil)
	test.That(t, errors.Is(err, ErrEmptySource), test.ShouldBeTrue)
	test.That(t, tree.Empty(), test.ShouldBeTrue)
	test.That(t, tree.Len(), test.ShouldEqual, 0)

	err = tree.Build(context.Background(), nil, nil)
	test.That(t, errors.Is(err, ErrEmptySource), test.ShouldBeTrue)

	_, err = NewFromSource(context.Background(), Points{}, nil)
	test.That(t, errors.Is(err, ErrEmptySource), test.ShouldBeTrue)

	// a failed build empties a tree that was built before
	tree = buildTree(t, examplePoints)
	err = tree.Build(context.Background(), Points{}, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, tree.Empty(), test.ShouldBeTrue)
	test.That(t, tree.CellCount(), test.ShouldEqual, 0)
	test.That(t, tree.Source(), test.ShouldBeNil)
	test.That(t, tree.Stats(), test.ShouldResemble, Stats{})
}

func TestBuildCellBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	ps := randomPoints(rng, 50, 10)

	for _, budget := range []int{1, 2, 50, 98} {
		tree := New(WithMaxCells(budget))
		err := tree.Build(context.Background(), ps, nil)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, errors.Is(err, ErrAllocation), test.ShouldBeTrue)
		test.That(t, tree.Empty(), test.ShouldBeTrue)
		test.That(t, tree.CellCount(), test.ShouldEqual, 0)
		_, found := tree.Nearest(ps[0], 100)
		test.That(t, found, test.ShouldBeFalse)
	}

	tree := New(WithMaxCells(99))
	test.That(t, tree.Build(context.Background(), ps, nil), test.ShouldBeNil)
	test.That(t, tree.CellCount(), test.ShouldEqual, 99)
}

func TestBuildDiscardsPartialSubtrees(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	ps := randomPoints(rng, 64, 10)
	list := make([]workPoint, len(ps))
	for i, p := range ps {
		list[i] = workPoint{p: p, index: i}
	}
	for _, budget := range []int{1, 5, 64, 126} {
		b := &builder{
			ctx:      context.Background(),
			list:     list,
			maxCells: budget,
			leafSize: 1,
			expected: float64(expectedCells(len(ps), 1)),
		}
		root, err := b.buildSubTree(0, len(ps)-1, noCell, true)
		test.That(t, errors.Is(err, ErrAllocation), test.ShouldBeTrue)
		test.That(t, root, test.ShouldEqual, noCell)
		test.That(t, b.cells, test.ShouldBeEmpty)
	}
}

func TestBuildCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tree := New()
	err := tree.Build(ctx, examplePoints, nil)
	test.That(t, err, test.ShouldBeError, context.Canceled)
	test.That(t, tree.Empty(), test.ShouldBeTrue)
}

// hugeSource claims more points than any slice can hold.
type hugeSource struct{}

func (hugeSource) Size() int { return math.MaxInt64 / 2 }

func (hugeSource) PointAt(i int) r3.Vector { return r3.Vector{X: float64(i)} }

func TestBuildAllocationFailure(t *testing.T) {
	rec := &recordingProgress{}
	tree := buildTree(t, examplePoints)
	err := tree.Build(context.Background(), hugeSource{}, rec)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrAllocation), test.ShouldBeTrue)
	test.That(t, tree.Empty(), test.ShouldBeTrue)
	test.That(t, tree.CellCount(), test.ShouldEqual, 0)
	test.That(t, tree.Source(), test.ShouldBeNil)
	test.That(t, rec.calls, test.ShouldBeEmpty)

	// the tree stays usable
	test.That(t, tree.Build(context.Background(), examplePoints, nil), test.ShouldBeNil)
	idx, found := tree.Nearest(r3.Vector{X: 0.5, Y: 0.5, Z: 0.5}, 100)
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, idx, test.ShouldEqual, 3)
}

func TestBuildLogs(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	tree := New(WithLogger(logger), WithConfig(Config{LeafSize: 2}))
	test.That(t, tree.Build(context.Background(), examplePoints, nil), test.ShouldBeNil)
	entries := logs.FilterMessage("kd-tree built").All()
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, entries[0].ContextMap()["cells"], test.ShouldEqual, int64(3))

	test.That(t, tree.Build(context.Background(), examplePoints[:0], nil), test.ShouldNotBeNil)
}

type progressCall struct {
	method  string
	info    string
	percent float64
}

type recordingProgress struct {
	mu    sync.Mutex
	calls []progressCall
}

func (r *recordingProgress) record(call progressCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingProgress) Reset()              { r.record(progressCall{method: "Reset"}) }
func (r *recordingProgress) SetInfo(info string) { r.record(progressCall{method: "SetInfo", info: info}) }
func (r *recordingProgress) Start()              { r.record(progressCall{method: "Start"}) }
func (r *recordingProgress) Stop()               { r.record(progressCall{method: "Stop"}) }

func (r *recordingProgress) Update(percent float64) {
	r.record(progressCall{method: "Update", percent: percent})
}

func TestBuildProgress(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	ps := randomPoints(rng, 25, 10)
	rec := &recordingProgress{}
	tree := New()
	test.That(t, tree.Build(context.Background(), ps, rec), test.ShouldBeNil)

	calls := rec.calls
	test.That(t, len(calls), test.ShouldEqual, 4+tree.CellCount())
	test.That(t, calls[0].method, test.ShouldEqual, "Reset")
	test.That(t, calls[1], test.ShouldResemble, progressCall{method: "SetInfo", info: "Building KD-tree"})
	test.That(t, calls[2].method, test.ShouldEqual, "Start")
	test.That(t, calls[len(calls)-1].method, test.ShouldEqual, "Stop")

	last := 0.
	for _, call := range calls[3 : len(calls)-1] {
		test.That(t, call.method, test.ShouldEqual, "Update")
		test.That(t, call.percent, test.ShouldBeGreaterThan, last)
		test.That(t, call.percent, test.ShouldBeLessThanOrEqualTo, 100)
		last = call.percent
	}
	test.That(t, last, test.ShouldEqual, 100)

	// reporting stops with the build when it fails
	rec = &recordingProgress{}
	tree = New(WithMaxCells(3))
	test.That(t, tree.Build(context.Background(), ps, rec), test.ShouldNotBeNil)
	test.That(t, rec.calls[len(rec.calls)-1].method, test.ShouldEqual, "Stop")
}

func TestRebuild(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	ps := gridPoints(rng, 200, 3)
	queries := randomPoints(rng, 50, 3)

	tree := buildTree(t, ps)
	type answer struct {
		dist  float64
		found bool
		shell int
	}
	answers := make([]answer, len(queries))
	for i, q := range queries {
		nb, found := tree.NearestNeighbor(q, 1.5)
		answers[i] = answer{nb.Distance, found, len(tree.Shell(q, 1, 0.25))}
	}

	test.That(t, tree.Build(context.Background(), ps, nil), test.ShouldBeNil)
	checkInvariants(t, tree)
	for i, q := range queries {
		nb, found := tree.NearestNeighbor(q, 1.5)
		test.That(t, answer{nb.Distance, found, len(tree.Shell(q, 1, 0.25))}, test.ShouldResemble, answers[i])
	}
}
