// Package kdtree implements a static 3D kd-tree over an indexed point source.
//
// The tree is built once by recursively splitting the points at the median along x, y and z in
// turn. Each cell keeps two boxes: the tight box of the points below it (inside box) and the
// region implied by its ancestors' splits (outside box). Queries use them to prune:
//   - Nearest finds the closest point within a radius.
//   - Within reports whether any point lies within a radius.
//   - Shell collects the points whose distance falls in a tolerance band.
//
// A built tree is read-only and may be queried from many goroutines as long as the point source
// supports concurrent reads. Build must not run concurrently with queries.
package kdtree

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"

	"go.viam.com/pcindex/logging"
)

// PointSource gives indexed, read-only access to a fixed set of points. Indices and coordinates
// must stay stable while a tree built from the source is in use.
type PointSource interface {
	Size() int
	PointAt(i int) r3.Vector
}

// Points is a PointSource over a slice of positions.
type Points []r3.Vector

// Size returns the number of points.
func (ps Points) Size() int {
	return len(ps)
}

// PointAt returns the i-th point.
func (ps Points) PointAt(i int) r3.Vector {
	return ps[i]
}

// Config tunes construction and queries.
type Config struct {
	// LeafSize is the largest number of points a leaf may hold. Values below one mean one.
	LeafSize int
	// MaxCells caps the cell arena. Zero means the 2N-1 cells a full tree can need; a build
	// exceeding the cap fails with ErrAllocation.
	MaxCells int
	// LegacyPruning selects the legacy search policy: the ascent tests an ancestor's outside
	// box before visiting the sibling and stops at the first failing test, and outside boxes
	// classify children by their first point. Results may then miss the true nearest point.
	// An ancestor without a known outside plane, the root included, gives a bound of zero and
	// so ends the ascent.
	LegacyPruning bool
}

// Option configures a Tree.
type Option func(*Tree)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(t *Tree) {
		t.cfg = cfg
	}
}

// WithLeafSize sets the number of points a leaf may hold.
func WithLeafSize(n int) Option {
	return func(t *Tree) {
		t.cfg.LeafSize = n
	}
}

// WithMaxCells caps the number of cells the tree may allocate.
func WithMaxCells(n int) Option {
	return func(t *Tree) {
		t.cfg.MaxCells = n
	}
}

// WithLegacyPruning enables the legacy ascent policy.
func WithLegacyPruning() Option {
	return func(t *Tree) {
		t.cfg.LegacyPruning = true
	}
}

// WithLogger sets the logger used for build diagnostics.
func WithLogger(logger logging.Logger) Option {
	return func(t *Tree) {
		t.logger = logger
	}
}

// Tree is a static kd-tree. The zero value is not usable; create one with New.
type Tree struct {
	cfg    Config
	logger logging.Logger

	src   PointSource
	cells []cell
	perm  []int
	root  cellID
}

// New returns an empty tree. Queries on it report nothing until Build succeeds.
func New(opts ...Option) *Tree {
	t := &Tree{root: noCell}
	for _, opt := range opts {
		opt(t)
	}
	if t.cfg.LeafSize < 1 {
		t.cfg.LeafSize = 1
	}
	if t.logger == nil {
		t.logger = logging.NewBlankLogger("kdtree")
	}
	return t
}

// NewFromSource creates a tree and builds it from src.
func NewFromSource(ctx context.Context, src PointSource, cb ProgressCallback, opts ...Option) (*Tree, error) {
	t := New(opts...)
	if err := t.Build(ctx, src, cb); err != nil {
		return nil, err
	}
	return t, nil
}

// Config returns the tree's configuration.
func (t *Tree) Config() Config {
	return t.cfg
}

// Len returns the number of indexed points, zero when the tree is not built.
func (t *Tree) Len() int {
	return len(t.perm)
}

// Empty reports whether the tree holds no points.
func (t *Tree) Empty() bool {
	return t.root == noCell
}

// CellCount returns the number of live cells.
func (t *Tree) CellCount() int {
	return len(t.cells)
}

// Source returns the point source the tree was built from, nil when not built.
func (t *Tree) Source() PointSource {
	return t.src
}

// Reset releases all cells and the permutation array, leaving an empty tree.
func (t *Tree) Reset() {
	t.src = nil
	t.cells = nil
	t.perm = nil
	t.root = noCell
}

// Stats describes the shape of a built tree.
type Stats struct {
	Points int
	Cells  int
	Leaves int
	// Depth is the number of cells on the longest root to leaf path.
	Depth int
	// LargestLeaf is the most points held by a single leaf.
	LargestLeaf int
}

// Stats walks the tree and reports its shape.
func (t *Tree) Stats() Stats {
	stats := Stats{Points: len(t.perm), Cells: len(t.cells)}
	if t.Empty() {
		return stats
	}
	var walk func(id cellID, depth int)
	walk = func(id cellID, depth int) {
		c := &t.cells[id]
		if depth > stats.Depth {
			stats.Depth = depth
		}
		if c.isLeaf() {
			stats.Leaves++
			if c.count > stats.LargestLeaf {
				stats.LargestLeaf = c.count
			}
			return
		}
		walk(c.lower, depth+1)
		walk(c.upper, depth+1)
	}
	walk(t.root, 1)
	return stats
}

// String prints the stats as a two column table.
func (s Stats) String() string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Stat", "Value"})
	for _, row := range []struct {
		name  string
		value int
	}{
		{"points", s.Points},
		{"cells", s.Cells},
		{"leaves", s.Leaves},
		{"depth", s.Depth},
		{"largest leaf", s.LargestLeaf},
	} {
		t.AppendRow(table.Row{row.name, row.value})
	}
	return t.Render()
}

func (t *Tree) pointAt(slot int) r3.Vector {
	return t.src.PointAt(t.perm[slot])
}
