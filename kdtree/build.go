package kdtree

import (
	"context"
	"runtime"
	"sort"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// workPoint is the per point copy used only while building.
type workPoint struct {
	p     r3.Vector
	index int
}

type builder struct {
	ctx      context.Context
	list     []workPoint
	cells    []cell
	maxCells int
	leafSize int
	legacy   bool

	progress ProgressCallback
	expected float64
}

// Build indexes every point of src, replacing any previous content. It fails with
// ErrEmptySource for an empty source, with ErrAllocation when the cell budget is exhausted or an
// array cannot be allocated, and with the context's error when ctx is cancelled. On failure the
// tree is left empty.
func (t *Tree) Build(ctx context.Context, src PointSource, cb ProgressCallback) (err error) {
	t.Reset()

	if src == nil || src.Size() == 0 {
		return ErrEmptySource
	}
	n := src.Size()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		rerr, ok := r.(runtime.Error)
		if !ok {
			panic(r)
		}
		t.Reset()
		err = errors.Wrapf(ErrAllocation, "building from %d points: %v", n, rerr)
		t.logger.Debugw("kd-tree build failed", "points", n, "error", err)
	}()

	maxCells := t.cfg.MaxCells
	if maxCells <= 0 {
		maxCells = 2*n - 1
	}
	expected := expectedCells(n, t.cfg.LeafSize)

	b := &builder{
		ctx:      ctx,
		list:     make([]workPoint, n),
		cells:    make([]cell, 0, min(expected, maxCells)),
		maxCells: maxCells,
		leafSize: t.cfg.LeafSize,
		legacy:   t.cfg.LegacyPruning,
		progress: cb,
		expected: float64(expected),
	}
	for i := range b.list {
		b.list[i] = workPoint{p: src.PointAt(i), index: i}
	}

	if cb != nil {
		cb.Reset()
		cb.SetInfo(buildProgressInfo)
		cb.Start()
		defer cb.Stop()
	}

	start := time.Now()
	root, err := b.buildSubTree(0, n-1, noCell, true)
	if err != nil {
		t.logger.Debugw("kd-tree build failed", "points", n, "error", err)
		return err
	}
	perm := make([]int, n)
	for i, wp := range b.list {
		perm[i] = wp.index
	}

	t.src = src
	t.cells = b.cells
	t.perm = perm
	t.root = root

	t.logger.Debugw("kd-tree built",
		"points", n, "cells", len(t.cells), "leaf_size", t.cfg.LeafSize, "duration", time.Since(start).String())
	return nil
}

// buildSubTree creates the cell owning list[first:last+1] and, recursively, its children. If a
// child fails, the cell discards the subtree it started before reporting the failure.
func (b *builder) buildSubTree(first, last int, parent cellID, lowerSide bool) (cellID, error) {
	id, err := b.newCell(first, last, parent)
	if err != nil {
		return noCell, err
	}
	b.updateOutsideBox(id, lowerSide)
	b.reportProgress()

	c := &b.cells[id]
	if last-first+1 <= b.leafSize {
		c.cutDim = 0
	} else {
		dim := c.cutDim
		b.sortRange(first, last, dim)
		split := (first + last) / 2
		c.cutValue = coord(b.list[split].p, dim)

		// c is not used past this point: children grow the arena and may move it.
		lower, err := b.buildSubTree(first, split, id, true)
		if err != nil {
			b.discard(id)
			return noCell, err
		}
		upper, err := b.buildSubTree(split+1, last, id, false)
		if err != nil {
			b.discard(id)
			return noCell, err
		}
		b.cells[id].lower = lower
		b.cells[id].upper = upper
	}

	b.updateInsideBox(id)
	return id, nil
}

func (b *builder) newCell(first, last int, parent cellID) (cellID, error) {
	if err := b.ctx.Err(); err != nil {
		return noCell, err
	}
	if len(b.cells) >= b.maxCells {
		return noCell, newCellBudgetError(b.maxCells)
	}

	dim := 0
	if parent != noCell {
		dim = (b.cells[parent].cutDim + 1) % 3
	}
	b.cells = append(b.cells, cell{
		parent: parent,
		lower:  noCell,
		upper:  noCell,
		start:  first,
		count:  last - first + 1,
		cutDim: dim,
	})
	return cellID(len(b.cells) - 1), nil
}

// discard frees the subtree rooted at id. Cells are created in pre-order, so the subtree is the
// arena's tail starting at id.
func (b *builder) discard(id cellID) {
	b.cells = b.cells[:id]
}

func (b *builder) sortRange(first, last, dim int) {
	sub := b.list[first : last+1]
	sort.Slice(sub, func(i, j int) bool {
		return coord(sub[i].p, dim) < coord(sub[j].p, dim)
	})
}

func (b *builder) reportProgress() {
	if b.progress == nil {
		return
	}
	percent := float64(len(b.cells)) * 100 / b.expected
	if percent > 100 {
		percent = 100
	}
	b.progress.Update(percent)
}
