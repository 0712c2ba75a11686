package kdtree

import "github.com/pkg/errors"

var (
	// ErrEmptySource is returned when building from a source without points.
	ErrEmptySource = errors.New("cannot build kd-tree from an empty point source")

	// ErrAllocation is returned when the tree cannot allocate a cell or one of its arrays.
	ErrAllocation = errors.New("kd-tree allocation failed")
)

func newCellBudgetError(budget int) error {
	return errors.Wrapf(ErrAllocation, "cell budget of %d exhausted", budget)
}
