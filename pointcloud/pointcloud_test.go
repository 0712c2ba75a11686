package pointcloud

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestPointCloudBasic(t *testing.T) {
	pc := New()
	test.That(t, pc.Size(), test.ShouldEqual, 0)

	p0 := NewVector(0, 0, 0)
	d0 := NewValueData(5)
	test.That(t, pc.Set(p0, d0), test.ShouldBeNil)

	p1 := NewVector(1, 0, 1)
	d1 := NewValueData(17)
	test.That(t, pc.Set(p1, d1), test.ShouldBeNil)

	// duplicates are kept as distinct points
	test.That(t, pc.Set(p1, nil), test.ShouldBeNil)

	p2 := NewVector(-1, -2, 1)
	d2 := NewValueData(81)
	test.That(t, pc.Set(p2, d2), test.ShouldBeNil)

	test.That(t, pc.Size(), test.ShouldEqual, 4)
	test.That(t, pc.PointAt(0), test.ShouldResemble, p0)
	test.That(t, pc.PointAt(1), test.ShouldResemble, p1)
	test.That(t, pc.PointAt(2), test.ShouldResemble, p1)
	test.That(t, pc.PointAt(3), test.ShouldResemble, p2)
	test.That(t, pc.DataAt(1), test.ShouldResemble, d1)
	test.That(t, pc.DataAt(2), test.ShouldBeNil)
	test.That(t, pc.DataAt(3).Value(), test.ShouldEqual, 81)

	count := 0
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		test.That(t, p, test.ShouldResemble, pc.PointAt(count))
		count++
		return true
	})
	test.That(t, count, test.ShouldEqual, 4)

	count = 0
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		count++
		return count < 2
	})
	test.That(t, count, test.ShouldEqual, 2)

	meta := pc.MetaData()
	test.That(t, meta.HasValue, test.ShouldBeTrue)
	test.That(t, meta.HasColor, test.ShouldBeFalse)
	test.That(t, meta.MinX, test.ShouldEqual, -1)
	test.That(t, meta.MaxY, test.ShouldEqual, 0)
	test.That(t, meta.Extent(), test.ShouldResemble, r3.Vector{X: 2, Y: 2, Z: 1})
}

func TestPointCloudValidation(t *testing.T) {
	pc := New()

	pMax := NewVector(minPreciseFloat64, maxPreciseFloat64, minPreciseFloat64)
	test.That(t, pc.Set(pMax, nil), test.ShouldBeNil)

	pBad := NewVector(minPreciseFloat64-1, maxPreciseFloat64, 0)
	err := pc.Set(pBad, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "x component")

	pBad = NewVector(0, maxPreciseFloat64+1, 0)
	err = pc.Set(pBad, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "y component")

	pBad = NewVector(0, 0, math.NaN())
	err = pc.Set(pBad, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "z component is NaN")

	test.That(t, pc.Size(), test.ShouldEqual, 1)

	_, err = NewFromVectors(NewVector(0, 0, 0), NewVector(math.NaN(), 0, 0))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPointCloudIterateBatches(t *testing.T) {
	vs := make([]r3.Vector, 0, 10)
	for i := 0; i < 10; i++ {
		vs = append(vs, NewVector(float64(i), 0, 0))
	}
	pc, err := NewFromVectors(vs...)
	test.That(t, err, test.ShouldBeNil)

	seen := map[float64]int{}
	for batch := 0; batch < 3; batch++ {
		pc.Iterate(3, batch, func(p r3.Vector, d Data) bool {
			seen[p.X]++
			return true
		})
	}
	test.That(t, len(seen), test.ShouldEqual, 10)
	for _, c := range seen {
		test.That(t, c, test.ShouldEqual, 1)
	}

	count := 0
	pc.Iterate(20, 15, func(p r3.Vector, d Data) bool {
		count++
		return true
	})
	test.That(t, count, test.ShouldEqual, 0)
}

func TestPointCloudCentroid(t *testing.T) {
	test.That(t, CloudCentroid(New()), test.ShouldResemble, r3.Vector{})

	pc := MakeTestPointCloud()
	test.That(t, pc.Size(), test.ShouldEqual, 4)
	test.That(t, CloudCentroid(pc), test.ShouldResemble, r3.Vector{X: 2.75, Y: 2.75, Z: 0.25})
}
