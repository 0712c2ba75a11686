package kdtree

// ProgressCallback observes tree construction. All methods are called from the building
// goroutine. A nil ProgressCallback disables reporting.
type ProgressCallback interface {
	Reset()
	SetInfo(info string)
	Start()
	// Update reports completion in percent, from 0 to 100.
	Update(percent float64)
	Stop()
}

const buildProgressInfo = "Building KD-tree"

// expectedCells estimates the number of cells a tree over n points will have. It is exact for
// a leaf size of one and an estimate otherwise.
func expectedCells(n, leafSize int) int {
	if n <= 0 {
		return 0
	}
	if leafSize < 1 {
		leafSize = 1
	}
	leaves := (n + leafSize - 1) / leafSize
	return 2*leaves - 1
}
