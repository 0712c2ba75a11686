package kdtree

import (
	"context"
	"math"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.viam.com/pcindex/utils"
)

// NearestDistances computes, for every point of compared, the distance to its nearest point in
// the tree. Points with no neighbor closer than maxRadius get NaN. The work is spread over
// utils.ParallelFactor goroutines, so the tree's source and compared must both support
// concurrent reads.
func (t *Tree) NearestDistances(ctx context.Context, compared PointSource, maxRadius float64) ([]float64, error) {
	if compared == nil {
		return nil, errors.New("no compared point source given")
	}
	n := compared.Size()
	dists := make([]float64, n)
	if t.Empty() {
		for i := range dists {
			dists[i] = math.NaN()
		}
		return dists, nil
	}

	err := utils.GroupWorkParallel(
		ctx,
		n,
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				nb, ok := t.NearestNeighbor(compared.PointAt(workNum), maxRadius)
				if !ok {
					dists[workNum] = math.NaN()
					return
				}
				dists[workNum] = nb.Distance
			}, nil
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "computing nearest distances")
	}
	return dists, nil
}

// DistanceSummary describes a set of cloud to cloud distances.
type DistanceSummary struct {
	// Count is the number of points that had a neighbor; Missing the number that had none.
	Count   int
	Missing int
	Min     float64
	Max     float64
	Mean    float64
	Median  float64
	StdDev  float64
}

// SummarizeDistances computes statistics over dists, ignoring NaN entries. It fails when no
// entry is a number.
func SummarizeDistances(dists []float64) (DistanceSummary, error) {
	var summary DistanceSummary
	data := make(stats.Float64Data, 0, len(dists))
	for _, d := range dists {
		if math.IsNaN(d) {
			summary.Missing++
			continue
		}
		data = append(data, d)
	}
	summary.Count = len(data)
	if summary.Count == 0 {
		return summary, errors.Wrap(stats.EmptyInputErr, "no distances to summarize")
	}

	var err error
	if summary.Min, err = data.Min(); err != nil {
		return summary, err
	}
	if summary.Max, err = data.Max(); err != nil {
		return summary, err
	}
	if summary.Mean, err = data.Mean(); err != nil {
		return summary, err
	}
	if summary.Median, err = data.Median(); err != nil {
		return summary, err
	}
	if summary.StdDev, err = data.StandardDeviation(); err != nil {
		return summary, err
	}
	return summary, nil
}

// DistanceHistogram buckets the non NaN entries of dists into bins equal width bins.
func DistanceHistogram(dists []float64, bins int) (histogram.Histogram, error) {
	if bins < 1 {
		return histogram.Histogram{}, errors.Errorf("histogram needs at least one bin, got %d", bins)
	}
	data := make([]float64, 0, len(dists))
	for _, d := range dists {
		if !math.IsNaN(d) {
			data = append(data, d)
		}
	}
	if len(data) == 0 {
		return histogram.Histogram{}, errors.Wrap(stats.EmptyInputErr, "no distances to bucket")
	}
	return histogram.Hist(bins, data), nil
}
