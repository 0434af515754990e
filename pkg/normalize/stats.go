package normalize

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"lungprep/internal/models"
)

// HistogramStats are descriptive statistics of a volume's intensities.
type HistogramStats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	P01  float64 `json:"p01"`
	P99  float64 `json:"p99"`
}

// HistogramSanityCheck computes min, max, mean, population standard deviation
// and the 1st/99th percentiles of volume. It enforces no thresholds; callers
// decide what is sane. An empty volume yields zero stats.
func HistogramSanityCheck(volume *models.Volume) HistogramStats {
	if volume == nil || len(volume.Data) == 0 {
		return HistogramStats{}
	}
	x := make([]float64, len(volume.Data))
	for i, v := range volume.Data {
		x[i] = float64(v)
	}

	mean, variance := stat.PopMeanVariance(x, nil)
	s := HistogramStats{
		Min:  floats.Min(x),
		Max:  floats.Max(x),
		Mean: mean,
		Std:  math.Sqrt(variance),
	}

	sort.Float64s(x)
	s.P01 = percentile(x, 1)
	s.P99 = percentile(x, 99)
	return s
}

// percentile interpolates linearly between the closest ranks of sorted,
// matching numpy's default percentile method.
func percentile(sorted []float64, p float64) float64 {
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
