package pointcloud

import (
	"github.com/golang/geo/r3"
)

// basicPointCloud is the basic implementation of the PointCloud interface backed by
// parallel slices of positions and data.
type basicPointCloud struct {
	points []r3.Vector
	data   []Data
	meta   MetaData
}

// New returns an empty PointCloud backed by a basicPointCloud.
func New() PointCloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty, preallocated PointCloud backed by a basicPointCloud.
func NewWithPrealloc(size int) PointCloud {
	return &basicPointCloud{
		points: make([]r3.Vector, 0, size),
		data:   make([]Data, 0, size),
		meta:   NewMetaData(),
	}
}

// NewFromVectors returns a PointCloud holding the given positions, in order, without data.
func NewFromVectors(vs ...r3.Vector) (PointCloud, error) {
	cloud := NewWithPrealloc(len(vs))
	for _, v := range vs {
		if err := cloud.Set(v, nil); err != nil {
			return nil, err
		}
	}
	return cloud, nil
}

func (cloud *basicPointCloud) Size() int {
	return len(cloud.points)
}

func (cloud *basicPointCloud) MetaData() MetaData {
	return cloud.meta
}

func (cloud *basicPointCloud) PointAt(i int) r3.Vector {
	return cloud.points[i]
}

func (cloud *basicPointCloud) DataAt(i int) Data {
	return cloud.data[i]
}

// Set validates that the point can be precisely stored before appending it to the cloud.
func (cloud *basicPointCloud) Set(p r3.Vector, d Data) error {
	if err := validatePoint(p); err != nil {
		return err
	}
	cloud.points = append(cloud.points, p)
	cloud.data = append(cloud.data, d)
	cloud.meta.Merge(p, d)
	return nil
}

func (cloud *basicPointCloud) Iterate(numBatches, myBatch int, fn func(p r3.Vector, d Data) bool) {
	from, to := 0, len(cloud.points)
	if numBatches > 0 {
		batchSize := (len(cloud.points) + numBatches - 1) / numBatches
		from = myBatch * batchSize
		to = min(from+batchSize, len(cloud.points))
	}
	for i := from; i < to; i++ {
		if !fn(cloud.points[i], cloud.data[i]) {
			return
		}
	}
}
