package pointcloud

import (
	"github.com/golang/geo/r3"
)

// MakeTestPointCloud creates a cloud of four points: the origin, (10,0,0), (0,10,0) and
// (1,1,1), at indices 0 to 3.
func MakeTestPointCloud() PointCloud {
	pc, err := NewFromVectors(
		r3.Vector{X: 0, Y: 0, Z: 0},
		r3.Vector{X: 10, Y: 0, Z: 0},
		r3.Vector{X: 0, Y: 10, Z: 0},
		r3.Vector{X: 1, Y: 1, Z: 1},
	)
	if err != nil {
		return nil
	}
	return pc
}
